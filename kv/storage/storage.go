package storage

// Store is an ordered key/value store over opaque byte keys, compared
// unsigned-lexicographically. The transactional layer supplies its own
// locking; a Store only has to make individual operations atomic.
type Store interface {
	// Get returns the value for key, or nil if absent.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// NewIterator returns an iterator positioned before the first entry.
	NewIterator() Iterator
	Close() error
}

// Iterator walks a Store in key order. Key and Value are only valid while
// Valid reports true, and may be invalidated by the next positioning call.
type Iterator interface {
	// Seek positions at the first entry with key >= target.
	Seek(target []byte)
	// SeekForPrev positions at the last entry with key <= target.
	SeekForPrev(target []byte)
	SeekToFirst()
	SeekToLast()
	Next()
	Prev()
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}
