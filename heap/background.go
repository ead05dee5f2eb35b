package heap

import (
	"sync/atomic"

	"github.com/joshuapare/cellheap/internal/logger"
)

// backgroundAllocTask pre-allocates chunks from the OS on its own goroutine so
// the allocation path can skip the OS call. It only produces chunks; it never
// touches arenas or cells. Its output goes to staged, which pickChunk drains
// into the empty pool.
//
// The goroutine is started lazily and exits when the policy is satisfied; it
// is restarted on demand rather than parked.
type backgroundAllocTask struct {
	h       *Heap
	enabled bool

	// Guarded by the heap lock.
	running bool
	done    chan struct{}
	staged  ChunkPool

	cancel atomic.Bool
}

func (t *backgroundAllocTask) init(h *Heap, enabled bool) {
	t.h = h
	t.enabled = enabled
	t.staged = newChunkPool("staged")
}

// startIfIdle launches the task unless it is running. Called with the heap
// lock held.
func (t *backgroundAllocTask) startIfIdle() {
	if !t.enabled || t.running || t.h.closed {
		return
	}
	t.running = true
	t.cancel.Store(false)
	t.done = make(chan struct{})
	t.h.stats.BackgroundStarts++
	go t.run(t.done)
}

func (t *backgroundAllocTask) run(done chan struct{}) {
	h := t.h
	defer close(done)

	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() { t.running = false }()

	logger.Debug("background chunk allocation started")
	for !t.cancel.Load() && h.wantBackgroundAllocation() {
		h.mu.Unlock()
		if t.cancel.Load() {
			h.mu.Lock()
			break
		}
		c, err := h.allocateChunkFromOS()
		cancelled := t.cancel.Load()
		h.mu.Lock()

		if err != nil {
			logger.Debug("background chunk allocation failed", "error", err)
			break
		}
		// A chunk obtained before cancellation was noticed is still good.
		t.staged.Push(c)
		h.stats.ChunksFromOS++
		h.stats.BackgroundChunks++
		if cancelled {
			break
		}
	}
	logger.Debug("background chunk allocation stopped", "staged", t.staged.Len())
}

// wait blocks until the current run, if any, has finished.
func (t *backgroundAllocTask) wait() {
	t.h.mu.Lock()
	done := t.done
	t.h.mu.Unlock()
	if done != nil {
		<-done
	}
}

// cancelAndWait stops the current run at its next check and waits for it.
func (t *backgroundAllocTask) cancelAndWait() {
	t.cancel.Store(true)
	t.wait()
}

// WaitBackgroundAllocEnd blocks until the background allocation task is idle.
func (h *Heap) WaitBackgroundAllocEnd() { h.bg.wait() }

// CancelBackgroundAlloc stops the background allocation task and waits for it.
// The task restarts the next time the allocation path wants chunks.
func (h *Heap) CancelBackgroundAlloc() { h.bg.cancelAndWait() }

// BackgroundAllocEnabled reports whether background allocation is in use.
func (h *Heap) BackgroundAllocEnabled() bool { return h.bg.enabled }
