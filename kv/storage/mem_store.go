package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// MemStore is a btree backed Store. Data is not written to disk; it backs
// temporary indexes and tests.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}

func NewMemStore() *MemStore {
	return &MemStore{tree: btree.New(32)}
}

func (ms *MemStore) Get(key []byte) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	item := ms.tree.Get(memItem{key: key})
	if item == nil {
		return nil, nil
	}
	return item.(memItem).value, nil
}

func (ms *MemStore) Put(key, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tree.ReplaceOrInsert(memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (ms *MemStore) Delete(key []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tree.Delete(memItem{key: key})
	return nil
}

func (ms *MemStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.tree.Len()
}

func (ms *MemStore) NewIterator() Iterator {
	return &memIterator{store: ms}
}

func (ms *MemStore) Close() error {
	return nil
}

// memIterator re-seeks the tree on every positioning call, holding no tree
// state between calls. Mutations between calls are therefore visible, which
// the trash drain relies on.
type memIterator struct {
	store *MemStore
	cur   memItem
	valid bool
}

func (it *memIterator) capture(item btree.Item) bool {
	it.cur = item.(memItem)
	it.valid = true
	return false // stop ascending
}

func (it *memIterator) Seek(target []byte) {
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.AscendGreaterOrEqual(memItem{key: target}, it.capture)
	it.store.mu.RUnlock()
}

func (it *memIterator) SeekForPrev(target []byte) {
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.DescendLessOrEqual(memItem{key: target}, it.capture)
	it.store.mu.RUnlock()
}

func (it *memIterator) SeekToFirst() {
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.Ascend(it.capture)
	it.store.mu.RUnlock()
}

func (it *memIterator) SeekToLast() {
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.Descend(it.capture)
	it.store.mu.RUnlock()
}

func (it *memIterator) Next() {
	if !it.valid {
		return
	}
	prev := it.cur.key
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.AscendGreaterOrEqual(memItem{key: prev}, func(item btree.Item) bool {
		if bytes.Equal(item.(memItem).key, prev) {
			return true // skip the current entry
		}
		return it.capture(item)
	})
	it.store.mu.RUnlock()
}

func (it *memIterator) Prev() {
	if !it.valid {
		return
	}
	prev := it.cur.key
	it.valid = false
	it.store.mu.RLock()
	it.store.tree.DescendLessOrEqual(memItem{key: prev}, func(item btree.Item) bool {
		if bytes.Equal(item.(memItem).key, prev) {
			return true
		}
		return it.capture(item)
	})
	it.store.mu.RUnlock()
}

func (it *memIterator) Valid() bool {
	return it.valid
}

func (it *memIterator) Key() []byte {
	return it.cur.key
}

func (it *memIterator) Value() []byte {
	return it.cur.value
}

func (it *memIterator) Close() error {
	it.valid = false
	return nil
}
