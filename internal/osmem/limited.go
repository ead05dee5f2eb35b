package osmem

import (
	"fmt"
	"sync"
)

// Limited wraps a Source with a budget on live reserved bytes. Requests that
// would exceed the budget fail with ErrExhausted. A budget of 0 refuses every
// request, which is how tests model an OS that is out of memory.
type Limited struct {
	Source Source
	Budget int64

	mu       sync.Mutex
	live     int64
	attempts int
	failures int
}

// NewLimited wraps src with a byte budget.
func NewLimited(src Source, budget int64) *Limited {
	return &Limited{Source: src, Budget: budget}
}

// ReserveAndCommit implements Source.
func (l *Limited) ReserveAndCommit(size, alignment int) ([]byte, error) {
	l.mu.Lock()
	l.attempts++
	if l.live+int64(size) > l.Budget {
		l.failures++
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: budget %d bytes, live %d, want %d",
			ErrExhausted, l.Budget, l.live, size)
	}
	l.live += int64(size)
	l.mu.Unlock()

	b, err := l.Source.ReserveAndCommit(size, alignment)
	if err != nil {
		l.mu.Lock()
		l.live -= int64(size)
		l.failures++
		l.mu.Unlock()
		return nil, err
	}
	return b, nil
}

// MarkPagesUnused implements Source.
func (l *Limited) MarkPagesUnused(b []byte) error { return l.Source.MarkPagesUnused(b) }

// MarkPagesInUse implements Source.
func (l *Limited) MarkPagesInUse(b []byte) error { return l.Source.MarkPagesInUse(b) }

// Release implements Source.
func (l *Limited) Release(b []byte) error {
	if err := l.Source.Release(b); err != nil {
		return err
	}
	l.mu.Lock()
	l.live -= int64(len(b))
	l.mu.Unlock()
	return nil
}

// SetBudget replaces the byte budget.
func (l *Limited) SetBudget(budget int64) {
	l.mu.Lock()
	l.Budget = budget
	l.mu.Unlock()
}

// Live returns the bytes currently reserved through l.
func (l *Limited) Live() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// Attempts returns the number of ReserveAndCommit calls, and how many failed.
func (l *Limited) Attempts() (attempts, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts, l.failures
}
