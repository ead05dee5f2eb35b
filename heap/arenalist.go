package heap

import "slices"

// ArenaList is a zone's directory of arenas for one size class.
//
// Arenas before cursor are known to have no uninstalled free spans. The
// cursor only moves forward between purges.
type ArenaList struct {
	arenas []*Arena
	cursor int
}

// Len returns the number of arenas in the list.
func (al *ArenaList) Len() int { return len(al.arenas) }

// Arenas returns a copy of the list.
func (al *ArenaList) Arenas() []*Arena { return slices.Clone(al.arenas) }

// append adds a freshly allocated arena at the end.
func (al *ArenaList) append(a *Arena) {
	al.arenas = append(al.arenas, a)
}

// nextArenaWithFreeSpan advances the cursor to the first arena with free spans
// that is not already installed and returns it, or nil.
func (al *ArenaList) nextArenaWithFreeSpan() *Arena {
	for al.cursor < len(al.arenas) {
		a := al.arenas[al.cursor]
		if a.HasFreeSpans() && !a.installed {
			return a
		}
		al.cursor++
	}
	return nil
}

// remove drops a from the list.
func (al *ArenaList) remove(a *Arena) bool {
	i := slices.Index(al.arenas, a)
	if i < 0 {
		return false
	}
	al.arenas = slices.Delete(al.arenas, i, i+1)
	if al.cursor > i {
		al.cursor--
	}
	return true
}

// rewind resets the cursor so every arena is considered again.
func (al *ArenaList) rewind() { al.cursor = 0 }
