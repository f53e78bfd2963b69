package transaction

import (
	"bytes"
)

// view is the internal projection of an index: a key mapping, a visibility
// predicate and a value presentation. Triggers registered through a view see
// cursors and values filtered through it.
type view interface {
	index() *Index
	// applyKey maps a view-space key to the stored key. ok is false when the
	// key cannot be represented in the view.
	applyKey(key []byte) (stored []byte, ok bool)
	// presentKey maps a stored key into view space; nil filters the row out.
	presentKey(stored []byte) []byte
	// presentValue presents a value for observation. vkey is the view-space
	// key of the row.
	presentValue(stored, vkey []byte, v Value) Value
	reversed() bool
	// bounds restrict iteration to stored keys in [lo, hi); nil means
	// unbounded.
	bounds() (lo, hi []byte)
	hidesValue() bool
}

// baseView presents the index itself.
type baseView struct {
	ix *Index
}

func (v baseView) index() *Index                          { return v.ix }
func (v baseView) applyKey(key []byte) ([]byte, bool)     { return key, true }
func (v baseView) presentKey(stored []byte) []byte        { return stored }
func (v baseView) presentValue(_, _ []byte, in Value) Value { return in }
func (v baseView) reversed() bool                         { return false }
func (v baseView) bounds() ([]byte, []byte)               { return nil, nil }
func (v baseView) hidesValue() bool                       { return false }

type reverseView struct {
	inner view
}

func (v reverseView) index() *Index                           { return v.inner.index() }
func (v reverseView) applyKey(key []byte) ([]byte, bool)      { return v.inner.applyKey(key) }
func (v reverseView) presentKey(stored []byte) []byte         { return v.inner.presentKey(stored) }
func (v reverseView) presentValue(s, k []byte, in Value) Value { return v.inner.presentValue(s, k, in) }
func (v reverseView) reversed() bool                          { return !v.inner.reversed() }
func (v reverseView) bounds() ([]byte, []byte)                { return v.inner.bounds() }
func (v reverseView) hidesValue() bool                        { return v.inner.hidesValue() }

// boundedView restricts the stored key range. lo is inclusive, hi exclusive;
// nil leaves a side open.
type boundedView struct {
	inner  view
	lo, hi []byte
}

func (v boundedView) index() *Index { return v.inner.index() }

func (v boundedView) inRange(stored []byte) bool {
	if v.lo != nil && bytes.Compare(stored, v.lo) < 0 {
		return false
	}
	if v.hi != nil && bytes.Compare(stored, v.hi) >= 0 {
		return false
	}
	return true
}

func (v boundedView) applyKey(key []byte) ([]byte, bool) {
	stored, ok := v.inner.applyKey(key)
	if !ok || !v.inRange(stored) {
		return nil, false
	}
	return stored, true
}

func (v boundedView) presentKey(stored []byte) []byte {
	if !v.inRange(stored) {
		return nil
	}
	return v.inner.presentKey(stored)
}

func (v boundedView) presentValue(s, k []byte, in Value) Value {
	return v.inner.presentValue(s, k, in)
}

func (v boundedView) reversed() bool { return v.inner.reversed() }

func (v boundedView) bounds() ([]byte, []byte) {
	lo, hi := v.inner.bounds()
	if v.lo != nil && (lo == nil || bytes.Compare(v.lo, lo) > 0) {
		lo = v.lo
	}
	if v.hi != nil && (hi == nil || bytes.Compare(v.hi, hi) < 0) {
		hi = v.hi
	}
	return lo, hi
}

func (v boundedView) hidesValue() bool { return v.inner.hidesValue() }

// prefixView restricts to keys with a prefix and trims trim bytes from the
// visible key.
type prefixView struct {
	inner  view
	prefix []byte
	trim   int
}

func (v prefixView) index() *Index { return v.inner.index() }

func (v prefixView) applyKey(key []byte) ([]byte, bool) {
	full := make([]byte, 0, v.trim+len(key))
	full = append(full, v.prefix[:v.trim]...)
	full = append(full, key...)
	if !bytes.HasPrefix(full, v.prefix) {
		return nil, false
	}
	return v.inner.applyKey(full)
}

func (v prefixView) presentKey(stored []byte) []byte {
	k := v.inner.presentKey(stored)
	if k == nil || !bytes.HasPrefix(k, v.prefix) {
		return nil
	}
	return k[v.trim:]
}

func (v prefixView) presentValue(s, k []byte, in Value) Value {
	return v.inner.presentValue(s, k, in)
}

func (v prefixView) reversed() bool { return v.inner.reversed() }

func (v prefixView) bounds() ([]byte, []byte) {
	lo, hi := v.inner.bounds()
	if lo == nil || bytes.Compare(v.prefix, lo) > 0 {
		lo = v.prefix
	}
	if succ := prefixSuccessor(v.prefix); succ != nil && (hi == nil || bytes.Compare(succ, hi) < 0) {
		hi = succ
	}
	return lo, hi
}

func (v prefixView) hidesValue() bool { return v.inner.hidesValue() }

// prefixSuccessor returns the smallest key greater than every key with the
// prefix, or nil when no such key exists (all 0xff).
func prefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := append([]byte(nil), prefix[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return nil
}

// keysView hides values: observers see Absent for deletes and NotLoaded
// otherwise, and loading reveals nothing.
type keysView struct {
	inner view
}

func (v keysView) index() *Index                      { return v.inner.index() }
func (v keysView) applyKey(key []byte) ([]byte, bool) { return v.inner.applyKey(key) }
func (v keysView) presentKey(stored []byte) []byte    { return v.inner.presentKey(stored) }

func (v keysView) presentValue(_, _ []byte, in Value) Value {
	if !in.Exists() {
		return Absent
	}
	return NotLoaded
}

func (v keysView) reversed() bool           { return v.inner.reversed() }
func (v keysView) bounds() ([]byte, []byte) { return v.inner.bounds() }
func (v keysView) hidesValue() bool         { return true }

// Transformer remaps keys and rewrites observed values. Implementations must
// be pure: a transform may be re-applied whenever a value is lazily loaded.
type Transformer interface {
	// TransformKey maps a stored key into the view; nil filters the row out.
	TransformKey(key []byte) []byte
	// TransformValue rewrites the observed value. tkey is the transformed
	// key. A nil result suppresses the row's value.
	TransformValue(value, key, tkey []byte) []byte
}

// KeyInverter maps view keys back to stored keys, enabling mutations through
// a transformed view.
type KeyInverter interface {
	InverseTransformKey(vkey []byte) []byte
}

type transformedView struct {
	inner view
	t     Transformer
}

func (v transformedView) index() *Index { return v.inner.index() }

func (v transformedView) applyKey(key []byte) ([]byte, bool) {
	inv, ok := v.t.(KeyInverter)
	if !ok {
		return nil, false
	}
	stored := inv.InverseTransformKey(key)
	if stored == nil {
		return nil, false
	}
	return v.inner.applyKey(stored)
}

func (v transformedView) presentKey(stored []byte) []byte {
	k := v.inner.presentKey(stored)
	if k == nil {
		return nil
	}
	return v.t.TransformKey(k)
}

func (v transformedView) presentValue(stored, vkey []byte, in Value) Value {
	in = v.inner.presentValue(stored, v.inner.presentKey(stored), in)
	if !in.IsLoaded() {
		return in
	}
	if !in.Exists() {
		return Absent
	}
	return Loaded(v.t.TransformValue(in.Bytes(), stored, vkey))
}

func (v transformedView) reversed() bool           { return v.inner.reversed() }
func (v transformedView) bounds() ([]byte, []byte) { return v.inner.bounds() }
func (v transformedView) hidesValue() bool         { return v.inner.hidesValue() }

// View is a possibly bounded, possibly transformed projection over an index.
// Triggers added through a view observe decorated cursors; mutations through
// a view map keys back into the index.
type View struct {
	v view
}

// Reverse returns a view iterating in reverse key order.
func (vw *View) Reverse() *View {
	return &View{v: reverseView{inner: vw.v}}
}

// Ge bounds the view to keys greater than or equal to lo.
func (vw *View) Ge(lo []byte) *View {
	stored, ok := vw.v.applyKey(lo)
	if !ok {
		stored = append([]byte(nil), lo...)
	}
	return &View{v: boundedView{inner: vw.v, lo: append([]byte(nil), stored...)}}
}

// Lt bounds the view to keys strictly less than hi.
func (vw *View) Lt(hi []byte) *View {
	stored, ok := vw.v.applyKey(hi)
	if !ok {
		stored = append([]byte(nil), hi...)
	}
	return &View{v: boundedView{inner: vw.v, hi: append([]byte(nil), stored...)}}
}

// Prefix restricts to keys beginning with prefix, trimming trim bytes from
// the keys the view presents.
func (vw *View) Prefix(prefix []byte, trim int) *View {
	return &View{v: prefixView{
		inner:  vw.v,
		prefix: append([]byte(nil), prefix...),
		trim:   trim,
	}}
}

// Keys returns a view whose observers can never see values.
func (vw *View) Keys() *View {
	return &View{v: keysView{inner: vw.v}}
}

// Transformed filters and remaps rows through t.
func (vw *View) Transformed(t Transformer) *View {
	return &View{v: transformedView{inner: vw.v, t: t}}
}

// AddTrigger registers an observer seeing mutations through this view.
func (vw *View) AddTrigger(t Trigger) *TriggerHandle {
	return vw.v.index().addTrigger(t, vw.v)
}

// RemoveTrigger removes a previously registered observer.
func (vw *View) RemoveTrigger(h *TriggerHandle) error {
	return vw.v.index().RemoveTrigger(h)
}

// NewCursor returns a cursor over the view, linked to txn (nil for
// per-operation auto-commit).
func (vw *View) NewCursor(txn *Transaction) *Cursor {
	return &Cursor{v: vw.v, txn: txn, autoload: true}
}

// Store maps key through the view and stores value in the index. A nil value
// deletes.
func (vw *View) Store(txn *Transaction, key, value []byte) error {
	stored, ok := vw.v.applyKey(key)
	if !ok {
		if _, isTransform := vw.v.(transformedView); isTransform {
			return ErrViewUnsupported
		}
		return ErrViewConstraint
	}
	return vw.v.index().storeCore(txn, stored, value, true)
}

// Load returns the value at key as seen through the view.
func (vw *View) Load(txn *Transaction, key []byte) ([]byte, error) {
	stored, ok := vw.v.applyKey(key)
	if !ok {
		return nil, ErrViewConstraint
	}
	raw, err := vw.v.index().loadCore(txn, stored)
	if err != nil {
		return nil, err
	}
	vkey := vw.v.presentKey(stored)
	return vw.v.presentValue(stored, vkey, Loaded(raw)).Bytes(), nil
}
