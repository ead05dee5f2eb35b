// Package kind defines the fixed cell shapes (size classes) the tenured heap
// lays out in arenas, and the trace kinds they hold.
//
// Every AllocKind has a constant cell size and therefore a constant number of
// cells per arena. The trace kind says what category of thing a cell holds;
// the allocator only uses it to decide nursery eligibility.
package kind

import (
	"fmt"
	"strings"
)

// ArenaSize is the size in bytes of one arena. Every arena is laid out in cells
// of a single AllocKind.
const ArenaSize = 4096

// CellAlignBytes is the alignment of every cell size.
const CellAlignBytes = 16

// TraceKind is the category of thing a cell holds.
type TraceKind uint8

const (
	TraceObject       TraceKind = iota // plain and function objects
	TraceString                        // strings of every representation
	TraceSymbol                        // symbols
	TraceBigInt                        // arbitrary-precision integers
	TraceShape                         // object layouts
	TraceBaseShape                     // shared layout roots
	TraceScript                        // compiled scripts
	TraceScope                         // lexical scopes
	TraceRegExpShared                  // compiled regular expressions

	// NumTraceKinds is the number of trace kinds.
	NumTraceKinds
)

var traceNames = [NumTraceKinds]string{
	"object", "string", "symbol", "bigint", "shape", "base_shape", "script", "scope", "regexp_shared",
}

func (t TraceKind) String() string {
	if t < NumTraceKinds {
		return traceNames[t]
	}
	return fmt.Sprintf("TraceKind(%d)", uint8(t))
}

// AllocKind is a size class.
type AllocKind uint8

const (
	Object0          AllocKind = iota // object with no inline slots
	Object2                           // object with 2 inline slots
	Object4                           // object with 4 inline slots
	Object8                           // object with 8 inline slots
	Object12                          // object with 12 inline slots
	Object16                          // object with 16 inline slots
	Function                          // function object
	FunctionExtended                  // function object with extended slots
	String                            // inline string
	FatInlineString                   // longer inline string
	ExternalString                    // string with out-of-heap characters
	Symbol                            // symbol
	BigInt                            // bigint header
	Shape                             // object layout
	BaseShape                         // shared layout root
	Script                            // compiled script
	Scope                             // lexical scope
	RegExpShared                      // compiled regular expression

	// Count is the number of valid kinds. It doubles as the poison value for
	// unassigned arenas.
	Count
)

// Invalid marks an arena that is not assigned to any kind.
const Invalid = Count

type info struct {
	name    string
	size    int
	trace   TraceKind
	nursery bool
}

var table = [Count]info{
	Object0:          {"object0", 32, TraceObject, true},
	Object2:          {"object2", 48, TraceObject, true},
	Object4:          {"object4", 64, TraceObject, true},
	Object8:          {"object8", 96, TraceObject, true},
	Object12:         {"object12", 128, TraceObject, true},
	Object16:         {"object16", 160, TraceObject, true},
	Function:         {"function", 64, TraceObject, true},
	FunctionExtended: {"function_extended", 80, TraceObject, true},
	String:           {"string", 32, TraceString, true},
	FatInlineString:  {"fat_inline_string", 48, TraceString, true},
	ExternalString:   {"external_string", 32, TraceString, false},
	Symbol:           {"symbol", 32, TraceSymbol, false},
	BigInt:           {"bigint", 32, TraceBigInt, true},
	Shape:            {"shape", 32, TraceShape, false},
	BaseShape:        {"base_shape", 48, TraceBaseShape, false},
	Script:           {"script", 256, TraceScript, false},
	Scope:            {"scope", 64, TraceScope, false},
	RegExpShared:     {"regexp_shared", 128, TraceRegExpShared, false},
}

// IsValid reports whether k names a real size class.
func (k AllocKind) IsValid() bool { return k < Count }

func (k AllocKind) info() info {
	if !k.IsValid() {
		panic(fmt.Errorf("kind: invalid AllocKind %d", uint8(k)))
	}
	return table[k]
}

// Size returns the cell size in bytes.
func (k AllocKind) Size() int { return k.info().size }

// CellsPerArena returns how many cells of this kind fit in one arena.
func (k AllocKind) CellsPerArena() int { return ArenaSize / k.info().size }

// TraceKind returns the trace kind of cells of this kind.
func (k AllocKind) TraceKind() TraceKind { return k.info().trace }

// IsNurseryAllocable reports whether cells of this kind may be born in the nursery.
func (k AllocKind) IsNurseryAllocable() bool { return k.info().nursery }

func (k AllocKind) String() string {
	if !k.IsValid() {
		return fmt.Sprintf("AllocKind(%d)", uint8(k))
	}
	return table[k].name
}

// All returns every valid kind in order.
func All() []AllocKind {
	kinds := make([]AllocKind, Count)
	for i := range kinds {
		kinds[i] = AllocKind(i)
	}
	return kinds
}

// Parse returns the kind with the given name (case-insensitive).
func Parse(name string) (AllocKind, error) {
	for i, in := range table {
		if strings.EqualFold(in.name, name) {
			return AllocKind(i), nil
		}
	}
	return Invalid, fmt.Errorf("kind: unknown alloc kind %q", name)
}

// ForObjectSlots returns the smallest object kind with at least n fixed slots.
func ForObjectSlots(n int) (AllocKind, bool) {
	switch {
	case n <= 0:
		return Object0, true
	case n <= 2:
		return Object2, true
	case n <= 4:
		return Object4, true
	case n <= 8:
		return Object8, true
	case n <= 12:
		return Object12, true
	case n <= 16:
		return Object16, true
	}
	return Invalid, false
}
