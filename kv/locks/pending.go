package locks

// PendingTxn carries exclusive locks transferred out of a committing scope.
// The locks stay held, owned by the bundle's internal locker, until the
// associated redo position is known durable and Finish is called. This lets a
// commit release its stack immediately while readers keep being excluded
// until the commit is recoverable.
type PendingTxn struct {
	locker *Locker
	locks  []*Lock

	// CommitPos is the redo log position this bundle waits on. Assigned by
	// the committing caller; zero when nothing was written.
	CommitPos int64
}

func newPendingTxn(lm *LockManager) *PendingTxn {
	return &PendingTxn{locker: &Locker{manager: lm}}
}

// LockCount returns the number of transferred locks still held.
func (p *PendingTxn) LockCount() int {
	return len(p.locks)
}

// Finish releases every transferred lock. Idempotent.
func (p *PendingTxn) Finish() {
	locks := p.locks
	p.locks = nil
	lm := p.locker.manager
	// Transfer lists the locks newest first, so walking forward releases in
	// reverse acquisition order, matching a normal unwind.
	for _, lock := range locks {
		lm.unlock(p.locker, lock)
	}
}
