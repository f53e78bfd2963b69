package transaction

import (
	"bytes"
	"math"
)

// Cursor is a stateful position over a view. Trigger observers receive
// cursors positioned at the mutated key; repositioning is only permitted on
// copies.
type Cursor struct {
	v        view
	txn      *Transaction
	key      []byte // view-space key
	stored   []byte // stored-space key
	val      Value
	autoload bool
}

// Link returns the transaction the cursor is bound to.
func (c *Cursor) Link() *Transaction {
	return c.txn
}

// Key returns the cursor's position in view space, nil if unpositioned.
func (c *Cursor) Key() []byte {
	return c.key
}

// Value returns the value at the cursor position. With autoload off the
// value is NotLoaded until Load is called.
func (c *Cursor) Value() Value {
	return c.val
}

// Autoload controls whether positioning operations load values.
func (c *Cursor) Autoload(on bool) {
	c.autoload = on
}

// Copy clones the cursor, including its position.
func (c *Cursor) Copy() *Cursor {
	return &Cursor{
		v:        c.v,
		txn:      c.txn,
		key:      append([]byte(nil), c.key...),
		stored:   append([]byte(nil), c.stored...),
		val:      c.val,
		autoload: c.autoload,
	}
}

// Reset clears the position.
func (c *Cursor) Reset() {
	c.key = nil
	c.stored = nil
	c.val = Absent
}

// Find positions the cursor at key, whether or not an entry exists there.
func (c *Cursor) Find(key []byte) error {
	stored, ok := c.v.applyKey(key)
	if !ok {
		return ErrViewConstraint
	}
	c.stored = append([]byte(nil), stored...)
	c.key = append([]byte(nil), key...)
	if c.autoload {
		return c.Load()
	}
	raw, err := c.v.index().store.Get(c.stored)
	if err != nil {
		return err
	}
	if raw == nil {
		c.val = Absent
	} else {
		c.val = NotLoaded
	}
	return nil
}

// Load reads the value at the current position, applying the view's
// presentation.
func (c *Cursor) Load() error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	raw, err := c.v.index().store.Get(c.stored)
	if err != nil {
		return err
	}
	vkey := c.v.presentKey(c.stored)
	c.val = c.v.presentValue(c.stored, vkey, Loaded(raw))
	return nil
}

// First positions at the first entry visible in the view, Absent-positioned
// (nil key) when the view is empty.
func (c *Cursor) First() error {
	return c.advance(nil, true)
}

// Next moves to the following visible entry, in the view's order.
func (c *Cursor) Next() error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	return c.advance(c.stored, false)
}

// advance walks the store in the view's direction starting at from (nil
// means the view edge), skipping filtered rows.
func (c *Cursor) advance(from []byte, inclusive bool) error {
	ix := c.v.index()
	lo, hi := c.v.bounds()
	rev := c.v.reversed()

	it := ix.store.NewIterator()
	defer it.Close() //nolint:errcheck

	if !rev {
		start := from
		if start == nil {
			start = lo
		}
		if start == nil {
			it.SeekToFirst()
		} else {
			it.Seek(start)
		}
		if !inclusive && it.Valid() && bytes.Equal(it.Key(), from) {
			it.Next()
		}
	} else {
		if from == nil {
			if hi == nil {
				it.SeekToLast()
			} else {
				it.SeekForPrev(hi)
				// hi is exclusive.
				if it.Valid() && bytes.Equal(it.Key(), hi) {
					it.Prev()
				}
			}
		} else {
			it.SeekForPrev(from)
			if !inclusive && it.Valid() && bytes.Equal(it.Key(), from) {
				it.Prev()
			}
		}
	}

	for it.Valid() {
		k := it.Key()
		if !rev && hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		if rev && lo != nil && bytes.Compare(k, lo) < 0 {
			break
		}
		if vkey := c.v.presentKey(k); vkey != nil {
			c.stored = append([]byte(nil), k...)
			c.key = vkey
			if c.autoload {
				c.val = c.v.presentValue(c.stored, vkey,
					Loaded(append([]byte(nil), it.Value()...)))
			} else {
				c.val = NotLoaded
			}
			return nil
		}
		if rev {
			it.Prev()
		} else {
			it.Next()
		}
	}

	c.stored = nil
	c.key = nil
	c.val = Absent
	return nil
}

// Store writes value at the cursor position; nil deletes. Triggers fire as
// for an index store, observing through this cursor's autoload policy.
func (c *Cursor) Store(value []byte) error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	err := c.v.index().storeCore(c.txn, c.stored, value, c.autoload)
	if err != nil {
		return err
	}
	return c.refresh()
}

// ValueLength resizes the value at the cursor position: negative deletes,
// shorter truncates, longer zero-extends. A resize which does not change the
// byte content is collapsed and fires no triggers.
func (c *Cursor) ValueLength(length int64) error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	if length > int64(math.MaxInt32) {
		return &LargeValueError{Length: length}
	}
	ix := c.v.index()
	old, err := ix.store.Get(c.stored)
	if err != nil {
		return err
	}

	var newValue []byte
	if length >= 0 {
		newValue = make([]byte, length)
		copy(newValue, old)
	}
	if err := ix.accessorMutate(c, old, newValue, func(t ValueTrigger, tc *Cursor) error {
		return t.ValueLength(tc, length)
	}); err != nil {
		return err
	}
	return c.refresh()
}

// ValueWrite patches buf into the value at pos, extending it as needed.
func (c *Cursor) ValueWrite(pos int64, buf []byte) error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	end := pos + int64(len(buf))
	if end > int64(math.MaxInt32) {
		return &LargeValueError{Length: end}
	}
	ix := c.v.index()
	old, err := ix.store.Get(c.stored)
	if err != nil {
		return err
	}

	n := int64(len(old))
	if end > n {
		n = end
	}
	newValue := make([]byte, n)
	copy(newValue, old)
	copy(newValue[pos:], buf)

	if err := ix.accessorMutate(c, old, newValue, func(t ValueTrigger, tc *Cursor) error {
		return t.ValueWrite(tc, pos, buf)
	}); err != nil {
		return err
	}
	return c.refresh()
}

// ValueClear zero-fills length bytes of the value from pos. Clearing beyond
// the value's end is ignored.
func (c *Cursor) ValueClear(pos, length int64) error {
	if c.stored == nil {
		return ErrUnpositioned
	}
	ix := c.v.index()
	old, err := ix.store.Get(c.stored)
	if err != nil {
		return err
	}

	newValue := append([]byte(nil), old...)
	end := pos + length
	if end > int64(len(newValue)) {
		end = int64(len(newValue))
	}
	for i := pos; i < end; i++ {
		newValue[i] = 0
	}

	if err := ix.accessorMutate(c, old, newValue, func(t ValueTrigger, tc *Cursor) error {
		return t.ValueClear(tc, pos, length)
	}); err != nil {
		return err
	}
	return c.refresh()
}

// refresh re-reads the cursor's value after a mutation.
func (c *Cursor) refresh() error {
	if c.autoload {
		return c.Load()
	}
	raw, err := c.v.index().store.Get(c.stored)
	if err != nil {
		return err
	}
	if raw == nil {
		c.val = Absent
	} else {
		c.val = NotLoaded
	}
	return nil
}
