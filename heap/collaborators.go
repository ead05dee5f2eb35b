package heap

import "github.com/joshuapare/cellheap/heap/kind"

// Reason names why a collection was requested.
type Reason string

const (
	ReasonLastDitch    Reason = "LAST_DITCH"     // tenured allocation failed
	ReasonOutOfNursery Reason = "OUT_OF_NURSERY" // nursery is full
	ReasonAllocTrigger Reason = "ALLOC_TRIGGER"  // heap grew past the trigger
	ReasonShrink       Reason = "SHRINK"         // memory is being returned
	ReasonAPI          Reason = "API"            // requested by the embedder
)

// CollectOptions configures a full collection.
type CollectOptions struct {
	// NonIncremental runs the whole collection in one slice.
	NonIncremental bool
	// Shrink returns free memory to the OS after sweeping.
	Shrink bool
}

// NurseryFailure is the nursery's verdict after a failed allocation.
type NurseryFailure uint8

const (
	// NurseryOK means no minor collection is warranted; fall through to tenured.
	NurseryOK NurseryFailure = iota
	// NeedMinorGC means a minor collection would let the nursery allocate again.
	NeedMinorGC
)

// Nursery is the young generation.
type Nursery interface {
	TryAllocate(k kind.AllocKind, t kind.TraceKind, z *Zone) (Cell, bool)
	HandleAllocationFailure() NurseryFailure
	MinorCollect(reason Reason)
}

// Collector is the tracing collector and its scheduler.
//
// Implementations must not call back into the heap from IsMarkingOrSweeping
// or MarkBlack; both are called on the allocation fast path.
type Collector interface {
	FullCollect(opts CollectOptions, reason Reason)
	MaybeTriggerIncrementalSlice(z *Zone)
	IsMarkingOrSweeping(z *Zone) bool
	MarkBlack(c Cell)
}

// noCollector is used until a real collector is attached.
type noCollector struct{}

func (noCollector) FullCollect(CollectOptions, Reason)  {}
func (noCollector) MaybeTriggerIncrementalSlice(*Zone) {}
func (noCollector) IsMarkingOrSweeping(*Zone) bool     { return false }
func (noCollector) MarkBlack(Cell)                     {}
