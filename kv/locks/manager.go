package locks

import (
	"runtime"
	"sync"
	"time"
)

const (
	fnvOffset = 0xcbf29ce484222325
	fnvPrime  = 0x100000001b3
)

// Hash digests a key FNV-1a style and mixes in the index id, spreading
// resources over the shard array.
func Hash(indexID uint64, key []byte) uint64 {
	h := uint64(fnvOffset)
	for _, b := range key {
		h = (h ^ uint64(b)) * fnvPrime
	}
	h ^= indexID
	h *= fnvPrime
	// Final avalanche so low bits depend on the whole input.
	h ^= h >> 33
	return h
}

// LockManager is a fixed array of latched shards mapping (index id, key)
// pairs to Lock instances. Locks are created on first contention-free access
// and recycled once ownerless and waiterless.
type LockManager struct {
	upgradeRule UpgradeRule
	shards      []lockShard
	shardMask   uint64
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewLockManager creates a manager with the given shard count, rounded up to
// a power of two. Zero selects a count based on GOMAXPROCS.
func NewLockManager(numShards int, rule UpgradeRule) *LockManager {
	if numShards <= 0 {
		numShards = runtime.GOMAXPROCS(0) * 4
	}
	n := 1
	for n < numShards {
		n <<= 1
	}
	lm := &LockManager{
		upgradeRule: rule,
		shards:      make([]lockShard, n),
		shardMask:   uint64(n - 1),
	}
	for i := range lm.shards {
		lm.shards[i].locks = make(map[string]*Lock)
	}
	return lm
}

// NewLocker creates an independent lock owner bound to this manager.
func (lm *LockManager) NewLocker() *Locker {
	return &Locker{manager: lm, intr: make(chan struct{}, 1)}
}

func (lm *LockManager) shard(hash uint64) *lockShard {
	return &lm.shards[hash&lm.shardMask]
}

func shardKey(indexID uint64, key []byte) string {
	b := make([]byte, 8+len(key))
	for i := 0; i < 8; i++ {
		b[i] = byte(indexID >> (56 - 8*uint(i)))
	}
	copy(b[8:], key)
	return string(b)
}

// access returns the lock for the resource, creating it if absent. Caller
// holds the shard latch.
func (sh *lockShard) access(indexID uint64, key []byte, hash uint64) (*Lock, string) {
	sk := shardKey(indexID, key)
	lock := sh.locks[sk]
	if lock == nil {
		lock = &Lock{
			indexID: indexID,
			key:     append([]byte(nil), key...),
			hash:    hash,
		}
		sh.locks[sk] = lock
	}
	return lock, sk
}

func (sh *lockShard) recycle(lock *Lock, sk string) {
	if lock.unused() {
		delete(sh.locks, sk)
	}
}

// tryLock dispatches one lock request, waiting up to timeout when the lock is
// incompatible. A negative timeout waits forever; a zero timeout fails fast
// without enqueueing. The deadlock detector is NOT run here; see
// Locker.failed.
func (lm *LockManager) tryLock(typ LockType, locker *Locker,
	indexID uint64, key []byte, hash uint64, timeout time.Duration) LockResult {

	canWait := timeout != 0

	sh := lm.shard(hash)
	sh.mu.Lock()
	lock, sk := sh.access(indexID, key, hash)

	var res LockResult
	var w *waiter
	switch typ {
	case TypeShared:
		res, w = lock.tryShared(locker, canWait)
	case TypeUpgradable:
		res, w = lock.tryUpgradable(locker, canWait)
	default:
		res, w = lock.tryExclusive(locker, canWait)
	}

	if w == nil {
		if !res.IsHeld() {
			sh.recycle(lock, sk)
		} else {
			lm.recordHeld(locker, lock, res)
		}
		sh.mu.Unlock()
		return res
	}

	// Park. The waiting-for edge is published by the latch release so the
	// deadlock detector can observe it.
	locker.waitingFor = lock
	sh.mu.Unlock()

	res = waitFor(w, locker, timeout)
	if res == ResultNone || res == Interrupted {
		// Timed out or interrupted; the grant may have raced the wakeup.
		interrupted := res == Interrupted
		select {
		case <-locker.interruptCh():
			interrupted = true
		default:
		}

		sh.mu.Lock()
		select {
		case res = <-w.ch:
			// Granted while waking up; accept it.
		default:
			lock.removeWaiter(w)
			sh.recycle(lock, sk)
			if interrupted {
				res = Interrupted
			} else {
				res = TimedOutLock
			}
		}
		if res.IsHeld() {
			locker.waitingFor = nil
			lm.recordHeld(locker, lock, res)
		} else if res == Interrupted {
			locker.waitingFor = nil
		}
		// On TimedOutLock the waiting-for edge is left in place for the
		// deadlock detector; Locker.failed clears it.
		sh.mu.Unlock()
		return res
	}

	sh.mu.Lock()
	lm.recordHeld(locker, lock, res)
	sh.mu.Unlock()
	return res
}

// recordHeld pushes newly held locks onto the owner's scoped stack. The stack
// itself is private to the locker; the latch only orders the push against the
// grant.
func (lm *LockManager) recordHeld(locker *Locker, lock *Lock, res LockResult) {
	switch res {
	case Acquired:
		locker.push(lock)
	case Upgraded:
		locker.pushUpgrade(lock)
	}
}

func waitFor(w *waiter, locker *Locker, timeout time.Duration) LockResult {
	if timeout < 0 {
		select {
		case res := <-w.ch:
			return res
		case <-locker.interruptCh():
			return Interrupted
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res
	case <-timer.C:
		return ResultNone
	case <-locker.interruptCh():
		return Interrupted
	}
}

// clearWaiting clears the locker's waiting-for edge under the shard latch,
// so the deadlock detector never observes a torn update.
func (lm *LockManager) clearWaiting(locker *Locker, lock *Lock) {
	sh := lm.shard(lock.hash)
	sh.mu.Lock()
	locker.waitingFor = nil
	sh.mu.Unlock()
}

// check reports the locker's current ownership of the resource.
func (lm *LockManager) check(locker *Locker, indexID uint64, key []byte, hash uint64) LockResult {
	sh := lm.shard(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	lock := sh.locks[shardKey(indexID, key)]
	if lock == nil {
		return Unowned
	}
	switch {
	case lock.owner == locker && lock.exclusive:
		return OwnedExclusive
	case lock.owner == locker:
		return OwnedUpgradable
	case lock.isSharedOwner(locker):
		return OwnedShared
	}
	return Unowned
}

func (lm *LockManager) unlock(locker *Locker, lock *Lock) {
	sh := lm.shard(lock.hash)
	sh.mu.Lock()
	lock.release(locker)
	sh.recycle(lock, shardKey(lock.indexID, lock.key))
	sh.mu.Unlock()
}

func (lm *LockManager) unlockToShared(locker *Locker, lock *Lock) {
	sh := lm.shard(lock.hash)
	sh.mu.Lock()
	lock.releaseToShared(locker)
	sh.mu.Unlock()
}

func (lm *LockManager) unlockToUpgradable(locker *Locker, lock *Lock) error {
	sh := lm.shard(lock.hash)
	sh.mu.Lock()
	err := lock.releaseToUpgradable(locker)
	sh.mu.Unlock()
	return err
}

// transferExclusive moves an exclusively held lock into a pending bundle,
// deferring its release until the bundle finishes. Non-exclusive holds are
// released immediately.
func (lm *LockManager) transferExclusive(locker *Locker, lock *Lock, pending *PendingTxn) *PendingTxn {
	if pending == nil {
		pending = newPendingTxn(lm)
	}
	sh := lm.shard(lock.hash)
	sh.mu.Lock()
	if lock.owner == locker && lock.exclusive {
		lock.owner = pending.locker
		pending.locks = append(pending.locks, lock)
	} else {
		lock.release(locker)
		sh.recycle(lock, shardKey(lock.indexID, lock.key))
	}
	sh.mu.Unlock()
	return pending
}

// LockCount returns the number of live Lock instances, for tests and
// diagnostics.
func (lm *LockManager) LockCount() int {
	n := 0
	for i := range lm.shards {
		sh := &lm.shards[i]
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}
