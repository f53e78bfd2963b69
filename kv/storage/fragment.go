package storage

import (
	"go.uber.org/atomic"
)

// Fragmented values are too large for inline storage. The page-level
// representation is owned by an external allocator; this layer only needs to
// insert-if-absent and to notify the allocator when fragment backing pages
// can be released.

// InsertFragmented stores a fragmented value at key only if the key is
// currently absent. Reports whether the value was stored.
func InsertFragmented(s Store, key, value []byte) (bool, error) {
	existing, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := s.Put(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// FragmentAllocator releases the pages backing a fragmented value. Calls are
// made under the shared commit latch so a checkpoint can exclude them.
type FragmentAllocator interface {
	DeleteFragments(value []byte) error
}

// CountingAllocator is a reference allocator which only counts releases.
// Real page reclamation belongs to the page store.
type CountingAllocator struct {
	released atomic.Int64
}

func (a *CountingAllocator) DeleteFragments(value []byte) error {
	a.released.Inc()
	return nil
}

// Released returns the number of fragment release calls.
func (a *CountingAllocator) Released() int64 {
	return a.released.Load()
}
