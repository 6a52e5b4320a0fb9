package loader

import "sync"

// RowBudget caps the rows loaded in one run. Reservations are checked and
// recorded in one critical section, so concurrent loaders never exceed the
// limit together.
type RowBudget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewRowBudget creates a budget of limit rows; limit <= 0 means unlimited.
func NewRowBudget(limit int) *RowBudget {
	return &RowBudget{limit: limit}
}

// TryReserve reserves n rows if they fit.
func (b *RowBudget) TryReserve(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return false
	}
	b.used += n
	return true
}

// Release returns n reserved rows after a failed load.
func (b *RowBudget) Release(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
}

// Used returns the rows reserved so far.
func (b *RowBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
