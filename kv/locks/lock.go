package locks

// Lock tracks ownership of one (index id, key) resource. All fields are
// mutated only while the owning shard is latched. The deadlock detector reads
// them without latching and tolerates stale values.
type Lock struct {
	indexID uint64
	key     []byte
	hash    uint64

	// owner holds the upgradable or exclusive lock, nil if neither is held.
	// When a transaction commit transfers its locks, owner refers to the
	// pending bundle's internal locker until the redo position is durable.
	owner     *Locker
	exclusive bool

	// sharedOwners holds every shared holder. An upgradable owner is not a
	// member; it is tracked by the owner field.
	sharedOwners []*Locker

	// queueU holds waiting shared acquirers; queueSX holds waiting
	// upgradable and exclusive acquirers. Both are FIFO, except that an
	// owner upgrading to exclusive enqueues at the head of queueSX.
	queueU  []*waiter
	queueSX []*waiter
}

// waiter parks one lock request. The result is delivered on ch by whichever
// release makes the grant possible, while the shard is latched.
type waiter struct {
	locker *Locker
	typ    LockType
	// upgrade marks a holder upgrading in place: an upgradable owner going
	// exclusive, or a sole shared holder promoting under a lenient rule.
	upgrade bool
	ch      chan LockResult
}

func newWaiter(locker *Locker, typ LockType, upgrade bool) *waiter {
	return &waiter{
		locker:  locker,
		typ:     typ,
		upgrade: upgrade,
		ch:      make(chan LockResult, 1),
	}
}

func (l *Lock) isSharedOwner(locker *Locker) bool {
	for _, o := range l.sharedOwners {
		if o == locker {
			return true
		}
	}
	return false
}

func (l *Lock) addSharedOwner(locker *Locker) {
	l.sharedOwners = append(l.sharedOwners, locker)
}

func (l *Lock) removeSharedOwner(locker *Locker) bool {
	for i, o := range l.sharedOwners {
		if o == locker {
			// Preserve order; the slice is small.
			l.sharedOwners = append(l.sharedOwners[:i], l.sharedOwners[i+1:]...)
			return true
		}
	}
	return false
}

// unused reports whether the lock can be removed from its shard.
func (l *Lock) unused() bool {
	return l.owner == nil && len(l.sharedOwners) == 0 &&
		len(l.queueU) == 0 && len(l.queueSX) == 0
}

// tryShared attempts a shared acquisition. Returns a nil waiter when the
// request completed immediately; otherwise the request was enqueued.
func (l *Lock) tryShared(locker *Locker, canWait bool) (LockResult, *waiter) {
	if l.owner == locker {
		if l.exclusive {
			return OwnedExclusive, nil
		}
		return OwnedUpgradable, nil
	}
	if l.isSharedOwner(locker) {
		return OwnedShared, nil
	}
	// Compatible with shared and upgradable holders, but queued writers go
	// first to keep grants in arrival order.
	if !l.exclusive && len(l.queueSX) == 0 {
		l.addSharedOwner(locker)
		return Acquired, nil
	}
	if !canWait {
		return TimedOutLock, nil
	}
	w := newWaiter(locker, TypeShared, false)
	l.queueU = append(l.queueU, w)
	return ResultNone, w
}

// tryUpgradable attempts an upgradable acquisition.
func (l *Lock) tryUpgradable(locker *Locker, canWait bool) (LockResult, *waiter) {
	if l.owner == locker {
		if l.exclusive {
			return OwnedExclusive, nil
		}
		return OwnedUpgradable, nil
	}
	if l.isSharedOwner(locker) && !locker.canAttemptUpgrade(len(l.sharedOwners)) {
		return Illegal, nil
	}
	if l.owner == nil && len(l.queueSX) == 0 {
		l.owner = locker
		// A shared hold, if any, is absorbed by the stronger ownership.
		l.removeSharedOwner(locker)
		return Acquired, nil
	}
	if !canWait {
		return TimedOutLock, nil
	}
	w := newWaiter(locker, TypeUpgradable, false)
	l.queueSX = append(l.queueSX, w)
	return ResultNone, w
}

// tryExclusive attempts an exclusive acquisition or an in-place upgrade.
func (l *Lock) tryExclusive(locker *Locker, canWait bool) (LockResult, *waiter) {
	if l.owner == locker {
		if l.exclusive {
			return OwnedExclusive, nil
		}
		// Upgradable to exclusive: wait for shared holders to drain.
		if len(l.sharedOwners) == 0 {
			l.exclusive = true
			return Upgraded, nil
		}
		if !canWait {
			return TimedOutLock, nil
		}
		w := newWaiter(locker, TypeExclusive, true)
		// An owner's upgrade is granted before any queued writer advances.
		l.queueSX = append([]*waiter{w}, l.queueSX...)
		return ResultNone, w
	}
	if l.isSharedOwner(locker) {
		if !locker.canAttemptUpgrade(len(l.sharedOwners)) {
			return Illegal, nil
		}
		if l.owner == nil && len(l.sharedOwners) == 1 {
			l.sharedOwners = l.sharedOwners[:0]
			l.owner = locker
			l.exclusive = true
			return Upgraded, nil
		}
		if !canWait {
			return TimedOutLock, nil
		}
		w := newWaiter(locker, TypeExclusive, true)
		l.queueSX = append([]*waiter{w}, l.queueSX...)
		return ResultNone, w
	}
	if l.owner == nil && len(l.sharedOwners) == 0 && len(l.queueSX) == 0 {
		l.owner = locker
		l.exclusive = true
		return Acquired, nil
	}
	if !canWait {
		return TimedOutLock, nil
	}
	w := newWaiter(locker, TypeExclusive, false)
	l.queueSX = append(l.queueSX, w)
	return ResultNone, w
}

// deliver grants res to w and clears its waiting-for edge. Runs latched, so
// the cleared edge is published by the latch release.
func (l *Lock) deliver(w *waiter, res LockResult) {
	w.locker.waitingFor = nil
	w.ch <- res
}

// signal re-examines the waiter queues after a state change, granting in FIFO
// order while the head remains compatible. Shared waiters advance only when
// no writer is queued.
func (l *Lock) signal() {
	for len(l.queueSX) > 0 {
		w := l.queueSX[0]
		switch {
		case w.upgrade && w.locker == l.owner:
			// Upgradable owner waiting to go exclusive.
			if len(l.sharedOwners) != 0 {
				return
			}
			l.exclusive = true
			l.queueSX = l.queueSX[1:]
			l.deliver(w, Upgraded)
			return
		case w.upgrade:
			// Sole shared holder promoting under a lenient rule.
			if l.owner != nil || len(l.sharedOwners) != 1 ||
				l.sharedOwners[0] != w.locker {
				return
			}
			l.sharedOwners = l.sharedOwners[:0]
			l.owner = w.locker
			l.exclusive = true
			l.queueSX = l.queueSX[1:]
			l.deliver(w, Upgraded)
			return
		case w.typ == TypeUpgradable:
			if l.owner != nil {
				return
			}
			l.owner = w.locker
			l.removeSharedOwner(w.locker)
			l.queueSX = l.queueSX[1:]
			l.deliver(w, Acquired)
			// Shared waiters remain compatible; fall through to them after
			// the writer queue drains of grantable heads.
			continue
		default: // exclusive
			if l.owner != nil || len(l.sharedOwners) != 0 {
				return
			}
			l.owner = w.locker
			l.exclusive = true
			l.queueSX = l.queueSX[1:]
			l.deliver(w, Acquired)
			return
		}
	}
	if l.exclusive {
		return
	}
	for len(l.queueU) > 0 {
		w := l.queueU[0]
		l.queueU = l.queueU[1:]
		l.addSharedOwner(w.locker)
		l.deliver(w, Acquired)
	}
}

// removeWaiter drops w from whichever queue holds it. Returns false if w was
// already granted and dequeued.
func (l *Lock) removeWaiter(w *waiter) bool {
	for i, q := range l.queueU {
		if q == w {
			l.queueU = append(l.queueU[:i], l.queueU[i+1:]...)
			return true
		}
	}
	for i, q := range l.queueSX {
		if q == w {
			l.queueSX = append(l.queueSX[:i], l.queueSX[i+1:]...)
			// Removing a blocked head may unblock the rest.
			l.signal()
			return true
		}
	}
	return false
}

// release fully releases the locker's hold.
func (l *Lock) release(locker *Locker) {
	if l.owner == locker {
		l.owner = nil
		l.exclusive = false
		l.signal()
		return
	}
	if l.removeSharedOwner(locker) {
		l.signal()
	}
}

// releaseToShared weakens an upgradable or exclusive hold to shared.
func (l *Lock) releaseToShared(locker *Locker) {
	if l.owner == locker {
		l.owner = nil
		l.exclusive = false
		l.addSharedOwner(locker)
		l.signal()
	}
	// A shared hold is already weak enough.
}

// releaseToUpgradable weakens an exclusive hold to upgradable.
func (l *Lock) releaseToUpgradable(locker *Locker) error {
	if l.owner == locker {
		if l.exclusive {
			l.exclusive = false
			l.signal()
		}
		return nil
	}
	if l.isSharedOwner(locker) {
		return ErrNotOwnedUpgradable
	}
	return nil
}

// findOwnerAttachment locates an attachment from whichever holder is blocking
// a request of the given type.
func (l *Lock) findOwnerAttachment(locker *Locker, typ LockType) interface{} {
	owner := l.owner
	if owner != nil && owner != locker {
		if att := owner.Attachment(); att != nil {
			return att
		}
	}
	if typ == TypeShared {
		return nil
	}
	for _, o := range l.sharedOwners {
		if o != locker {
			if att := o.Attachment(); att != nil {
				return att
			}
		}
	}
	return nil
}
