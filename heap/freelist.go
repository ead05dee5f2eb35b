package heap

// FreeList is a zone's allocation cursor for one size class: the current free
// span of the arena it is allocating from. It is owned by the zone's goroutine
// and needs no locking.
type FreeList struct {
	arena *Arena
	span  FreeSpan
}

// IsEmpty reports whether the free list has no cell ready without a refill.
func (fl *FreeList) IsEmpty() bool {
	return fl.span.IsEmpty() && (fl.arena == nil || !fl.arena.HasFreeSpans())
}

// Arena returns the arena currently being allocated from, or nil.
func (fl *FreeList) Arena() *Arena { return fl.arena }

// Span returns the current free span.
func (fl *FreeList) Span() FreeSpan { return fl.span }

// Allocate pops the head cell of the current span. When the span runs out the
// arena's next span becomes current. It reports false once the arena has no
// free spans left; the caller must refill.
func (fl *FreeList) Allocate() (Cell, bool) {
	for {
		if !fl.span.IsEmpty() {
			i := fl.span.Start
			fl.span.Start++
			return fl.arena.allocCell(i), true
		}
		if fl.arena == nil {
			return Cell{}, false
		}
		next, ok := fl.arena.takeSpan()
		if !ok {
			fl.arena.installed = false
			fl.arena = nil
			return Cell{}, false
		}
		fl.span = next
	}
}

// install makes a the current arena. The previous arena's remaining span, if
// any, is handed back to it.
func (fl *FreeList) install(a *Arena) {
	fl.purge()
	span, ok := a.takeSpan()
	if !ok {
		panic("heap: installing arena without free spans")
	}
	a.installed = true
	fl.arena = a
	fl.span = span
}

// purge returns the cached span to its arena and empties the free list.
func (fl *FreeList) purge() {
	if fl.arena == nil {
		return
	}
	fl.arena.returnSpan(fl.span)
	fl.arena.installed = false
	fl.arena = nil
	fl.span = FreeSpan{}
}
