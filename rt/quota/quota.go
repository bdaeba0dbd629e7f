// Package quota provides RAM budget accounting for the task manager.
//
// A Budget is a fixed limit fixed at construction. Components reserve bytes from it
// (report buffer, binary images, task quotas) and release them when the resource is
// discarded. A Budget never grows.
package quota

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrExhausted is returned by Reserve when a reservation does not fit the remaining budget.
var ErrExhausted = errors.New("quota: resource exhausted")

// Budget is a lock-free byte budget.
//
// It is safe for concurrent use. A nil *Budget is unlimited.
type Budget struct {
	limit uint64
	used  atomic.Uint64
}

// NewBudget creates a budget of limit bytes.
func NewBudget(limit uint64) *Budget {
	return &Budget{limit: limit}
}

// Reserve takes n bytes from the budget.
//
// It fails with ErrExhausted (and takes nothing) if n exceeds what is available.
func (b *Budget) Reserve(n uint64) error {
	if b == nil || n == 0 {
		return nil
	}
	for {
		used := b.used.Load()
		if n > b.limit-used {
			return fmt.Errorf("%w: want %d bytes, %d of %d available", ErrExhausted, n, b.limit-used, b.limit)
		}
		if b.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

// Release returns n bytes to the budget. Releasing more than is in use clamps to zero.
func (b *Budget) Release(n uint64) {
	if b == nil || n == 0 {
		return
	}
	for {
		used := b.used.Load()
		next := uint64(0)
		if n < used {
			next = used - n
		}
		if b.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// Limit returns the total budget in bytes.
func (b *Budget) Limit() uint64 {
	if b == nil {
		return 0
	}
	return b.limit
}

// Used returns the reserved bytes.
func (b *Budget) Used() uint64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Available returns the bytes that can still be reserved.
func (b *Budget) Available() uint64 {
	if b == nil {
		return 0
	}
	return b.limit - b.used.Load()
}
