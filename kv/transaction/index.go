package transaction

import (
	"bytes"
	"sync"

	"github.com/tupldb/tuplkv/kv/storage"
)

// Index is a named, ordered key space. Mutations lock the (index id, key)
// resource exclusively, fire registered triggers, record undo, then write.
type Index struct {
	db    *Database
	name  string
	id    uint64
	store storage.Store
	temp  bool

	trigMu   sync.Mutex
	triggers triggerList
}

func (ix *Index) Name() string {
	return ix.name
}

func (ix *Index) ID() uint64 {
	return ix.id
}

// View returns the identity view over the index.
func (ix *Index) View() *View {
	return &View{v: baseView{ix: ix}}
}

func (ix *Index) Reverse() *View                  { return ix.View().Reverse() }
func (ix *Index) Ge(lo []byte) *View              { return ix.View().Ge(lo) }
func (ix *Index) Lt(hi []byte) *View              { return ix.View().Lt(hi) }
func (ix *Index) Prefix(p []byte, trim int) *View { return ix.View().Prefix(p, trim) }
func (ix *Index) Keys() *View                     { return ix.View().Keys() }
func (ix *Index) Transformed(t Transformer) *View { return ix.View().Transformed(t) }

// NewCursor returns a cursor over the index, linked to txn (nil for
// per-operation auto-commit).
func (ix *Index) NewCursor(txn *Transaction) *Cursor {
	return &Cursor{v: baseView{ix: ix}, txn: txn, autoload: true}
}

// NewAccessor returns a cursor positioned at key, for the value accessor
// operations.
func (ix *Index) NewAccessor(txn *Transaction, key []byte) (*Cursor, error) {
	c := ix.NewCursor(txn)
	if err := c.Find(key); err != nil {
		return nil, err
	}
	return c, nil
}

// AddTrigger registers an observer at the head of the index's list and
// returns its handle.
func (ix *Index) AddTrigger(t Trigger) *TriggerHandle {
	return ix.addTrigger(t, baseView{ix: ix})
}

func (ix *Index) addTrigger(t Trigger, v view) *TriggerHandle {
	ix.trigMu.Lock()
	defer ix.trigMu.Unlock()
	return ix.triggers.add(t, v)
}

// RemoveTrigger removes the exact registered entry. An unknown handle is a
// caller bug.
func (ix *Index) RemoveTrigger(h *TriggerHandle) error {
	ix.trigMu.Lock()
	defer ix.trigMu.Unlock()
	if !ix.triggers.remove(h) {
		return ErrTriggerNotFound
	}
	return nil
}

func (ix *Index) snapshotTriggers() []*triggerEntry {
	ix.trigMu.Lock()
	defer ix.trigMu.Unlock()
	return ix.triggers.snapshot()
}

// Load returns the value at key, acquiring a lock per the transaction's
// mode. A nil transaction auto-commits (the lock is held only for the call).
func (ix *Index) Load(txn *Transaction, key []byte) (val []byte, err error) {
	return ix.loadCore(txn, key)
}

func (ix *Index) loadCore(txn *Transaction, key []byte) (val []byte, err error) {
	txn, auto := ix.db.resolve(txn)
	if auto {
		defer func() { err = finishAuto(txn, err) }()
	}
	if !txn.bogus {
		switch txn.mode {
		case ModeUnsafe, ModeReadUncommitted:
			// No lock.
		case ModeReadCommitted, ModeRepeatableRead:
			if _, err = txn.locker.LockShared(ix.id, key, txn.timeout); err != nil {
				return nil, err
			}
		default: // ModeUpgradableRead
			if _, err = txn.locker.LockUpgradable(ix.id, key, txn.timeout); err != nil {
				return nil, err
			}
		}
	}
	return ix.store.Get(key)
}

// Store associates value with key; nil deletes the entry.
func (ix *Index) Store(txn *Transaction, key, value []byte) error {
	return ix.storeCore(txn, key, value, true)
}

// Exchange stores value and returns the previous value, nil if none.
func (ix *Index) Exchange(txn *Transaction, key, value []byte) (old []byte, err error) {
	old, _, err = ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		return value, old != nil || value != nil
	})
	return old, err
}

// Insert associates value with key unless an entry already exists. Reports
// whether the value was stored.
func (ix *Index) Insert(txn *Transaction, key, value []byte) (bool, error) {
	_, applied, err := ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		return value, old == nil && value != nil
	})
	return applied, err
}

// Replace stores value only when an entry already exists. Reports whether
// the value was stored.
func (ix *Index) Replace(txn *Transaction, key, value []byte) (bool, error) {
	_, applied, err := ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		return value, old != nil
	})
	return applied, err
}

// Update stores value only when the current value differs. Reports whether
// anything was written.
func (ix *Index) Update(txn *Transaction, key, value []byte) (bool, error) {
	_, applied, err := ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		return value, !sameBytes(old, value)
	})
	return applied, err
}

// UpdateCompare stores newValue only when the current value equals oldValue.
func (ix *Index) UpdateCompare(txn *Transaction, key, oldValue, newValue []byte) (bool, error) {
	_, applied, err := ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		if !sameBytes(old, oldValue) {
			return nil, false
		}
		return newValue, true
	})
	return applied, err
}

// Delete removes the entry. Reports whether one existed.
func (ix *Index) Delete(txn *Transaction, key []byte) (bool, error) {
	old, applied, err := ix.mutate(txn, key, true, func(old []byte) ([]byte, bool) {
		return nil, old != nil
	})
	return applied && old != nil, err
}

// LockShared acquires a shared lock on key without reading.
func (ix *Index) LockShared(txn *Transaction, key []byte) error {
	if txn == nil || txn.bogus {
		return nil
	}
	_, err := txn.locker.LockShared(ix.id, key, txn.timeout)
	return err
}

// LockUpgradable acquires an upgradable lock on key without reading.
func (ix *Index) LockUpgradable(txn *Transaction, key []byte) error {
	if txn == nil || txn.bogus {
		return nil
	}
	_, err := txn.locker.LockUpgradable(ix.id, key, txn.timeout)
	return err
}

// LockExclusive acquires an exclusive lock on key without writing.
func (ix *Index) LockExclusive(txn *Transaction, key []byte) error {
	if txn == nil || txn.bogus {
		return nil
	}
	_, err := txn.locker.LockExclusive(ix.id, key, txn.timeout)
	return err
}

func (ix *Index) storeCore(txn *Transaction, key, value []byte, autoload bool) error {
	_, _, err := ix.mutateAutoload(txn, key, autoload, func(old []byte) ([]byte, bool) {
		// A delete of an absent entry is a no-op and fires nothing.
		return value, old != nil || value != nil
	})
	return err
}

func (ix *Index) mutate(txn *Transaction, key []byte, autoload bool,
	decide func(old []byte) ([]byte, bool)) ([]byte, bool, error) {
	return ix.mutateAutoload(txn, key, autoload, decide)
}

// mutateAutoload is the single mutation path: resolve the transaction, lock
// exclusively, read the original, decide, fire triggers, record undo, write.
func (ix *Index) mutateAutoload(txn *Transaction, key []byte, autoload bool,
	decide func(old []byte) ([]byte, bool)) (oldOut []byte, applied bool, err error) {

	txn, auto := ix.db.resolve(txn)
	if auto {
		defer func() { err = finishAuto(txn, err) }()
	}

	if txn.bogus {
		old, err := ix.store.Get(key)
		if err != nil {
			return nil, false, err
		}
		newValue, ok := decide(old)
		if !ok {
			return old, false, nil
		}
		return old, true, ix.writeRaw(key, newValue)
	}

	if err = txn.lockExclusive(ix, key); err != nil {
		return nil, false, err
	}
	old, err := ix.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	newValue, ok := decide(old)
	if !ok {
		return old, false, nil
	}
	if err = ix.fireStore(txn, key, old, newValue, autoload); err != nil {
		return old, false, err
	}
	if err = txn.recordUndo(ix, key, old); err != nil {
		return old, false, err
	}
	return old, true, ix.writeRaw(key, newValue)
}

func (ix *Index) writeRaw(key, value []byte) error {
	if value == nil {
		return ix.store.Delete(key)
	}
	return ix.store.Put(key, value)
}

// fireStore invokes the observer chain, most recently registered first, each
// seeing the mutation through the view it registered on.
func (ix *Index) fireStore(txn *Transaction, stored, old, newValue []byte, autoload bool) error {
	return ix.fire(txn, stored, old, newValue, autoload,
		func(t Trigger, c *Cursor, presented Value) error {
			return t.Store(c, presented)
		})
}

func (ix *Index) fire(txn *Transaction, stored, old, newValue []byte, autoload bool,
	invoke func(t Trigger, c *Cursor, presented Value) error) error {

	entries := ix.snapshotTriggers()
	if len(entries) == 0 {
		return nil
	}

	oldExists := old != nil
	newExists := newValue != nil

	for _, e := range entries {
		v := e.view
		if !viewContains(v, stored) {
			continue
		}
		vkey := v.presentKey(stored)
		if vkey == nil {
			continue
		}
		// Key-only observers cannot see value changes; only presence
		// transitions are observable through them.
		if v.hidesValue() && oldExists == newExists {
			continue
		}

		var oldPresented Value
		if autoload {
			oldPresented = v.presentValue(stored, vkey, Loaded(old))
		} else if oldExists {
			oldPresented = NotLoaded
		} else {
			oldPresented = Absent
		}

		c := &Cursor{
			v:        v,
			txn:      txn,
			key:      append([]byte(nil), vkey...),
			stored:   append([]byte(nil), stored...),
			val:      oldPresented,
			autoload: autoload,
		}
		newPresented := v.presentValue(stored, vkey, Loaded(newValue))

		if err := invoke(e.trigger, c, newPresented); err != nil {
			return err
		}
	}
	return nil
}

// accessorMutate applies a value accessor operation at the cursor position.
// Operations which do not change the byte content are collapsed entirely.
func (ix *Index) accessorMutate(c *Cursor, old, newValue []byte,
	invokeValue func(t ValueTrigger, tc *Cursor) error) (err error) {

	if sameBytes(old, newValue) {
		return nil
	}

	key := c.stored
	txn, auto := ix.db.resolve(c.txn)
	if auto {
		defer func() { err = finishAuto(txn, err) }()
	}

	if txn.bogus {
		return ix.writeRaw(key, newValue)
	}

	if err = txn.lockExclusive(ix, key); err != nil {
		return err
	}
	// Re-read under the lock; the caller's copy may be stale.
	old, err = ix.store.Get(key)
	if err != nil {
		return err
	}
	if sameBytes(old, newValue) {
		return nil
	}

	err = ix.fire(txn, key, old, newValue, c.autoload,
		func(t Trigger, tc *Cursor, presented Value) error {
			if vt, ok := t.(ValueTrigger); ok {
				return invokeValue(vt, tc)
			}
			return t.Store(tc, presented)
		})
	if err != nil {
		return err
	}
	if err = txn.recordUndo(ix, key, old); err != nil {
		return err
	}
	return ix.writeRaw(key, newValue)
}

func viewContains(v view, stored []byte) bool {
	lo, hi := v.bounds()
	if lo != nil && bytes.Compare(stored, lo) < 0 {
		return false
	}
	if hi != nil && bytes.Compare(stored, hi) >= 0 {
		return false
	}
	return true
}

func sameBytes(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}
