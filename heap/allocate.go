package heap

import (
	"errors"
	"fmt"

	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/logger"
)

// GCMode says whether an allocation may trigger a collection.
type GCMode uint8

const (
	// NoGC never collects; exhaustion is reported straight away.
	NoGC GCMode = iota
	// AllowGC may run a minor collection and one last-ditch full collection.
	AllowGC
)

func (m GCMode) String() string {
	if m == AllowGC {
		return "AllowGC"
	}
	return "NoGC"
}

// maxLastDitchRetries bounds tenured retries after a last-ditch collection.
const maxLastDitchRetries = 1

// AllocateCell returns a cell of kind k for zone z.
//
// Nursery-eligible kinds go to the nursery first when the zone allows it. The
// tenured path pops the zone's free list, refills it from a new or partly
// free arena, and under AllowGC runs one last-ditch full collection before
// giving up with ErrOutOfMemory.
func (h *Heap) AllocateCell(z *Zone, k kind.AllocKind, mode GCMode) (Cell, error) {
	if !k.IsValid() {
		return Cell{}, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k))
	}
	if h.nursery != nil && k.IsNurseryAllocable() && z.AllowsNurseryAllocation(k.TraceKind()) {
		if c, ok := h.tryNursery(z, k, mode); ok {
			return c, nil
		}
	}
	return h.allocateTenured(z, k, mode)
}

// AllocateCellAllowGC is AllocateCell in AllowGC mode.
func (h *Heap) AllocateCellAllowGC(z *Zone, k kind.AllocKind) (Cell, error) {
	return h.AllocateCell(z, k, AllowGC)
}

// AllocateCellNoGC is AllocateCell in NoGC mode, for callers that must not
// trigger a collection.
func (h *Heap) AllocateCellNoGC(z *Zone, k kind.AllocKind) (Cell, error) {
	return h.AllocateCell(z, k, NoGC)
}

// AllocateTenuredCell skips the nursery.
func (h *Heap) AllocateTenuredCell(z *Zone, k kind.AllocKind, mode GCMode) (Cell, error) {
	if !k.IsValid() {
		return Cell{}, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k))
	}
	return h.allocateTenured(z, k, mode)
}

func (h *Heap) tryNursery(z *Zone, k kind.AllocKind, mode GCMode) (Cell, bool) {
	if c, ok := h.nursery.TryAllocate(k, k.TraceKind(), z); ok {
		return c, true
	}
	if mode != AllowGC || h.nursery.HandleAllocationFailure() != NeedMinorGC {
		return Cell{}, false
	}
	h.nursery.MinorCollect(ReasonOutOfNursery)
	h.mu.Lock()
	h.stats.MinorCollections++
	h.mu.Unlock()
	return h.nursery.TryAllocate(k, k.TraceKind(), z)
}

func (h *Heap) allocateTenured(z *Zone, k kind.AllocKind, mode GCMode) (Cell, error) {
	retries := 0
	for {
		c, err := h.tryTenured(z, k, checkThresholds)
		if err == nil {
			h.noteTenured(z, c)
			return c, nil
		}
		if errors.Is(err, ErrClosed) {
			return Cell{}, err
		}
		if mode != AllowGC || retries >= maxLastDitchRetries || !h.lastDitchGC(z, k) {
			h.mu.Lock()
			h.stats.OutOfMemory++
			h.mu.Unlock()
			logger.Error("tenured allocation failed", "zone", z.name, "kind", k.String(), "mode", mode.String(), "error", err)
			return Cell{}, fmt.Errorf("%w: zone %q kind %s: %w", ErrOutOfMemory, z.name, k, err)
		}
		retries++
		mode = NoGC
	}
}

// noteTenured does the per-allocation bookkeeping: the zone counter, and a
// black mark while the zone is being collected.
func (h *Heap) noteTenured(z *Zone, c Cell) {
	z.Size.NoteTenuredAlloc()
	if h.collector.IsMarkingOrSweeping(z) {
		h.collector.MarkBlack(c)
	}
}

func (h *Heap) tryTenured(z *Zone, k kind.AllocKind, check thresholdMode) (Cell, error) {
	if c, ok := z.freeLists[k].Allocate(); ok {
		return c, nil
	}
	return h.refillAndAllocate(z, k, check)
}

// refillAndAllocate installs an arena with free cells in the zone's free
// list and allocates from it. An arena the zone already owns is preferred;
// otherwise a new arena comes from the chunk layer.
func (h *Heap) refillAndAllocate(z *Zone, k kind.AllocKind, check thresholdMode) (Cell, error) {
	fl := &z.freeLists[k]
	al := &z.arenaLists[k]

	if a := al.nextArenaWithFreeSpan(); a != nil {
		fl.install(a)
		if c, ok := fl.Allocate(); ok {
			return c, nil
		}
	}

	a, err := h.allocateArena(z, k, check)
	if err != nil {
		return Cell{}, err
	}
	al.append(a)
	fl.install(a)
	c, ok := fl.Allocate()
	if !ok {
		panic(fmt.Errorf("heap: fresh %s arena %#x yielded no cell", k, a.Addr()))
	}
	return c, nil
}

// RefillFreeList forces a refill of z's free list for k and returns the cell
// it allocated. It does not consult the nursery, never collects and does not
// check collection thresholds. Compacting collectors use it to obtain
// destination cells.
func (h *Heap) RefillFreeList(z *Zone, k kind.AllocKind) (Cell, error) {
	if !k.IsValid() {
		return Cell{}, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k))
	}
	z.freeLists[k].purge()
	return h.refillAndAllocate(z, k, dontCheckThresholds)
}

// AllocateCellDuringCollection allocates a tenured cell from inside the
// collector. There is no way to recover from failure in the middle of a
// collection, so exhaustion panics with ErrOutOfMemory.
func (h *Heap) AllocateCellDuringCollection(z *Zone, k kind.AllocKind) Cell {
	if !k.IsValid() {
		panic(fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k)))
	}
	c, err := h.tryTenured(z, k, dontCheckThresholds)
	if err != nil {
		logger.Error("allocation during collection failed", "zone", z.name, "kind", k.String(), "error", err)
		panic(fmt.Errorf("%w during collection: zone %q kind %s: %w", ErrOutOfMemory, z.name, k, err))
	}
	return c
}

// lastDitchGC runs a full, non-incremental, shrinking collection and waits
// for background allocation to finish. It refuses (returns false) when the
// previous last-ditch collection was within the cooldown.
func (h *Heap) lastDitchGC(z *Zone, k kind.AllocKind) bool {
	now := h.cfg.Now()
	h.mu.Lock()
	if !h.lastDitchAt.IsZero() && now.Sub(h.lastDitchAt) < h.cfg.LastDitchCooldown {
		h.stats.LastDitchSuppressed++
		h.mu.Unlock()
		logger.Debug("last-ditch collection suppressed by cooldown", "zone", z.name, "kind", k.String())
		return false
	}
	h.lastDitchAt = now
	h.stats.LastDitchCollections++
	h.mu.Unlock()

	logger.Warn("last-ditch collection", "zone", z.name, "kind", k.String())
	h.collector.FullCollect(CollectOptions{NonIncremental: true, Shrink: true}, ReasonLastDitch)
	h.WaitBackgroundAllocEnd()
	return true
}
