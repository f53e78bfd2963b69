package transaction

// Trigger observes mutations immediately before they are applied. The cursor
// is positioned at the affected key and references the original value,
// possibly not loaded. Observers may read through the cursor (including a
// lazy Load) but must not treat the passed value as mutable, and must
// reposition only cloned cursors.
//
// Triggers fire only for transactional mutations: the bogus transaction
// never fires them. They observe; they do not rewrite the stored value.
type Trigger interface {
	// Store is invoked before a store or delete. value is the incoming
	// value; Absent for a delete.
	Store(cursor *Cursor, value Value) error
}

// ValueTrigger observes the value accessor operations directly. Triggers
// which do not implement it have the operations presented as a Store of the
// rebuilt value, mirroring a load-and-store default.
type ValueTrigger interface {
	Trigger
	ValueLength(cursor *Cursor, length int64) error
	ValueWrite(cursor *Cursor, pos int64, buf []byte) error
	ValueClear(cursor *Cursor, pos, length int64) error
}

// TriggerHandle identifies a registered trigger. Handles are compared by
// identity on removal.
type TriggerHandle struct {
	entry *triggerEntry
}

// triggerEntry is a node of an index's intrusive observer list, most recent
// first. Each entry remembers the view it was registered through, which
// decorates the cursor and values its observer sees.
type triggerEntry struct {
	trigger Trigger
	view    view
	next    *triggerEntry
}

type triggerList struct {
	head *triggerEntry
}

func (tl *triggerList) add(t Trigger, v view) *TriggerHandle {
	entry := &triggerEntry{trigger: t, view: v, next: tl.head}
	tl.head = entry
	return &TriggerHandle{entry: entry}
}

func (tl *triggerList) remove(h *TriggerHandle) bool {
	if h == nil || h.entry == nil {
		return false
	}
	var prev *triggerEntry
	for e := tl.head; e != nil; e = e.next {
		if e == h.entry {
			if prev == nil {
				tl.head = e.next
			} else {
				prev.next = e.next
			}
			h.entry = nil
			return true
		}
		prev = e
	}
	return false
}

// snapshot returns the entries in firing order (most recently added first).
func (tl *triggerList) snapshot() []*triggerEntry {
	var entries []*triggerEntry
	for e := tl.head; e != nil; e = e.next {
		entries = append(entries, e)
	}
	return entries
}

func (tl *triggerList) empty() bool {
	return tl.head == nil
}
