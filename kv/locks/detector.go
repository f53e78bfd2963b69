package locks

import "time"

// deadlockDetector walks the lock graph looking for a cycle through the
// origin locker. It only detects deadlocks caused by independent goroutines;
// a "self deadlock" between two lockers on one goroutine goes undetected,
// because only one goroutine is blocked.
//
// The walk takes no latches and directly examines lock and locker state. It
// never modifies anything, and every value it reads was published by a prior
// latch release, so stale observations are tolerable: detection is best
// effort.
type deadlockDetector struct {
	origin  *Locker
	lockers map[*Locker]struct{}
	locks   []*Lock
	lockSet map[*Lock]struct{}
	guilty  bool
}

// detectDeadlock scans from origin after a full-timeout wait on l. Returns a
// DeadlockError when a cycle is found, nil otherwise.
func (l *Lock) detectDeadlock(origin *Locker, typ LockType, timeout time.Duration) error {
	d := &deadlockDetector{
		origin:  origin,
		lockers: make(map[*Locker]struct{}),
		lockSet: make(map[*Lock]struct{}),
	}
	if !d.scan(origin) {
		return nil
	}
	return &DeadlockError{
		Timeout: timeout,
		Guilty:  d.guilty,
		Set:     d.newDeadlockSet(),
	}
}

func (d *deadlockDetector) addLock(lock *Lock) {
	if _, ok := d.lockSet[lock]; ok {
		return
	}
	d.lockSet[lock] = struct{}{}
	d.locks = append(d.locks, lock)
}

// scan returns true if a cycle was found.
func (d *deadlockDetector) scan(locker *Locker) bool {
	found := false

	for {
		lock := locker.waitingFor
		if lock == nil {
			return found
		}

		d.addLock(lock)

		if len(d.lockers) == 0 {
			d.lockers[locker] = struct{}{}
		} else {
			// Any graph edge flowing into the origin indicates guilt.
			if locker == d.origin {
				d.guilty = true
			}
			if _, ok := d.lockers[locker]; ok {
				return true
			}
			d.lockers[locker] = struct{}{}
		}

		owner := lock.owner
		shared := lock.sharedOwners

		// If the owner is the scanned locker, it is upgrading: it waits for
		// shared holders to release, not for itself.
		if owner != nil && owner != locker {
			if len(shared) == 0 {
				// Tail call.
				locker = owner
				continue
			}
			if d.scan(owner) {
				found = true
			}
		}

		if len(shared) > 0 {
			for i := len(shared) - 1; i >= 1; i-- {
				if d.scan(shared[i]) {
					found = true
				}
			}
			// Tail call.
			locker = shared[0]
			continue
		}

		return found
	}
}

func (d *deadlockDetector) newDeadlockSet() DeadlockSet {
	set := make(DeadlockSet, 0, len(d.locks))
	for _, lock := range d.locks {
		var key []byte
		if lock.key != nil {
			key = append([]byte(nil), lock.key...)
		}
		set = append(set, DeadlockInfo{IndexID: lock.indexID, Key: key})
	}
	return set
}
