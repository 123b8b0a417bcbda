package resilience

import "sync/atomic"

// Budget is an atomic spend counter for a per-source fallback path. The
// fallback-crawler and inference budgets are separate Budget instances;
// they are never shared. Decrements are atomic so concurrent artifact
// processing within a run cannot overrun the budget.
type Budget struct {
	remaining atomic.Int64
	unlimited bool
}

// NewBudget creates a budget with n units. n <= 0 means unlimited.
func NewBudget(n int) *Budget {
	b := &Budget{}
	if n <= 0 {
		b.unlimited = true
		return b
	}
	b.remaining.Store(int64(n))
	return b
}

// Spend consumes one unit. Returns ErrBudgetExhausted once the budget is
// gone; the unit is only consumed on success.
func (b *Budget) Spend() error {
	if b.unlimited {
		return nil
	}
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return ErrBudgetExhausted
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Remaining returns the units left. Unlimited budgets report -1.
func (b *Budget) Remaining() int {
	if b.unlimited {
		return -1
	}
	return int(b.remaining.Load())
}

// Exhausted reports whether the budget has run out.
func (b *Budget) Exhausted() bool {
	return !b.unlimited && b.remaining.Load() <= 0
}
