package locks

import (
	"time"

	"github.com/juju/errors"
)

// Locker accumulates a scoped stack of held locks. A Locker may only be used
// by one goroutine at a time; it can be handed between goroutines under a
// happens-before edge. Interrupt is the only method safe to call
// concurrently.
type Locker struct {
	manager *LockManager

	parentScope *ParentScope

	// The stack tail: a single lock is held inline; more are kept in linked
	// blocks. At most one of the two fields is set.
	tailLock  *Lock
	tailBlock *block

	// waitingFor is the lock this locker is currently parked on. Published
	// by shard latch releases; read by the deadlock detector without
	// latching.
	waitingFor *Lock

	attachment interface{}

	intr chan struct{}
}

// ParentScope captures the stack position at a scope boundary. Fields are
// only touched by the owning locker.
type ParentScope struct {
	parentScope   *ParentScope
	tailLock      *Lock
	tailBlock     *block
	tailBlockSize int
}

// Attach associates an arbitrary object, reported to lockers which time out
// waiting on this one.
func (lkr *Locker) Attach(obj interface{}) {
	lkr.attachment = obj
}

// Attachment returns the attached object, or nil.
func (lkr *Locker) Attachment() interface{} {
	return lkr.attachment
}

// Interrupt wakes the locker if it is parked waiting for a lock, making the
// wait return Interrupted. Safe to call from any goroutine. Has no effect on
// lockers which cannot wait, such as a pending bundle's internal owner.
func (lkr *Locker) Interrupt() {
	if lkr.intr == nil {
		return
	}
	select {
	case lkr.intr <- struct{}{}:
	default:
	}
}

func (lkr *Locker) interruptCh() chan struct{} {
	return lkr.intr
}

// IsNested reports whether the current scope is nested.
func (lkr *Locker) IsNested() bool {
	return lkr.parentScope != nil
}

// NestingLevel counts the scope nesting depth, zero if non-nested.
func (lkr *Locker) NestingLevel() int {
	n := 0
	for p := lkr.parentScope; p != nil; p = p.parentScope {
		n++
	}
	return n
}

func (lkr *Locker) canAttemptUpgrade(sharedCount int) bool {
	rule := lkr.manager.upgradeRule
	return rule == UpgradeUnchecked || (rule == UpgradeLenient && sharedCount == 1)
}

// TryLockShared attempts a shared lock. A failed result is returned rather
// than an error, except when a full-timeout wait uncovers a deadlock.
func (lkr *Locker) TryLockShared(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.tryLockTyped(TypeShared, indexID, key, Hash(indexID, key), timeout)
}

// TryLockUpgradable attempts an upgradable lock, denying exclusive and other
// upgradable requests.
func (lkr *Locker) TryLockUpgradable(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.tryLockTyped(TypeUpgradable, indexID, key, Hash(indexID, key), timeout)
}

// TryLockExclusive attempts an exclusive lock, denying any additional locks.
func (lkr *Locker) TryLockExclusive(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.tryLockTyped(TypeExclusive, indexID, key, Hash(indexID, key), timeout)
}

func (lkr *Locker) tryLockTyped(typ LockType, indexID uint64, key []byte,
	hash uint64, timeout time.Duration) (LockResult, error) {

	res := lkr.manager.tryLock(typ, lkr, indexID, key, hash, timeout)
	if res == TimedOutLock {
		if waitingFor := lkr.waitingFor; waitingFor != nil {
			var err error
			if timeout != 0 {
				// Deadlock detection is skipped for the fast-fail case.
				err = waitingFor.detectDeadlock(lkr, typ, timeout)
			}
			lkr.manager.clearWaiting(lkr, waitingFor)
			if err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// LockShared acquires a shared lock, returning an error unless the lock ends
// up held.
func (lkr *Locker) LockShared(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.lockTyped(TypeShared, indexID, key, Hash(indexID, key), timeout)
}

// LockUpgradable acquires an upgradable lock, returning an error unless the
// lock ends up held.
func (lkr *Locker) LockUpgradable(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.lockTyped(TypeUpgradable, indexID, key, Hash(indexID, key), timeout)
}

// LockExclusive acquires an exclusive lock, returning an error unless the
// lock ends up held.
func (lkr *Locker) LockExclusive(indexID uint64, key []byte, timeout time.Duration) (LockResult, error) {
	return lkr.lockTyped(TypeExclusive, indexID, key, Hash(indexID, key), timeout)
}

func (lkr *Locker) lockTyped(typ LockType, indexID uint64, key []byte,
	hash uint64, timeout time.Duration) (LockResult, error) {

	res := lkr.manager.tryLock(typ, lkr, indexID, key, hash, timeout)
	if res.IsHeld() {
		return res, nil
	}
	return res, lkr.failed(typ, res, timeout)
}

// failed converts a non-held result into the matching error, running the
// deadlock detector after a full-timeout wait.
func (lkr *Locker) failed(typ LockType, res LockResult, timeout time.Duration) error {
	var waitingFor *Lock

	switch res {
	case TimedOutLock:
		waitingFor = lkr.waitingFor
		if waitingFor != nil {
			err := error(nil)
			if timeout != 0 {
				err = waitingFor.detectDeadlock(lkr, typ, timeout)
			}
			lkr.manager.clearWaiting(lkr, waitingFor)
			if err != nil {
				return err
			}
		}
	case Illegal:
		return &IllegalUpgradeError{}
	case Interrupted:
		return &LockInterruptedError{}
	default:
		waitingFor = lkr.waitingFor
		if waitingFor != nil {
			lkr.manager.clearWaiting(lkr, waitingFor)
		}
	}

	if res.IsTimedOut() {
		var att interface{}
		if waitingFor != nil {
			att = waitingFor.findOwnerAttachment(lkr, typ)
		}
		return &LockTimeoutError{Timeout: timeout, Attachment: att}
	}
	return errors.Errorf("lock request failed: %s", res)
}

// LockCheck reports the locker's ownership of the given resource.
func (lkr *Locker) LockCheck(indexID uint64, key []byte) LockResult {
	return lkr.manager.check(lkr, indexID, key, Hash(indexID, key))
}

// LastLockedIndex returns the index id of the last lock acquired within the
// current scope.
func (lkr *Locker) LastLockedIndex() (uint64, error) {
	lock, err := lkr.peek()
	if err != nil {
		return 0, err
	}
	return lock.indexID, nil
}

// LastLockedKey returns the key of the last lock acquired within the current
// scope. The instance is not cloned.
func (lkr *Locker) LastLockedKey() ([]byte, error) {
	lock, err := lkr.peek()
	if err != nil {
		return nil, err
	}
	return lock.key, nil
}

func (lkr *Locker) peek() (*Lock, error) {
	if lkr.tailBlock != nil {
		return lkr.tailBlock.last(), nil
	}
	if lkr.tailLock != nil {
		return lkr.tailLock, nil
	}
	return nil, ErrNoLocksHeld
}

// Unlock fully releases the last lock or group acquired within the current
// scope. Unlocking a non-immediate upgrade alone is not allowed, because it
// would leave no record of the pre-upgrade state.
func (lkr *Locker) Unlock() error {
	if lkr.tailBlock != nil {
		return lkr.tailBlock.unlockLast(lkr)
	}
	tail := lkr.tailLock
	if tail == nil {
		return ErrNoLocksHeld
	}
	if parent := lkr.parentScope; parent != nil && parent.tailLock == tail {
		return ErrCrossScope
	}
	lkr.tailLock = nil
	lkr.manager.unlock(lkr, tail)
	return nil
}

// UnlockToShared releases the last lock or group acquired within the current
// scope, retaining a shared lock.
func (lkr *Locker) UnlockToShared() error {
	if lkr.tailBlock != nil {
		return lkr.tailBlock.unlockLastToShared(lkr)
	}
	tail := lkr.tailLock
	if tail == nil {
		return ErrNoLocksHeld
	}
	if parent := lkr.parentScope; parent != nil && parent.tailLock == tail {
		return ErrCrossScope
	}
	lkr.manager.unlockToShared(lkr, tail)
	return nil
}

// UnlockToUpgradable releases the last lock or group acquired or upgraded
// within the current scope, retaining an upgradable lock.
func (lkr *Locker) UnlockToUpgradable() error {
	if lkr.tailBlock != nil {
		return lkr.tailBlock.unlockLastToUpgradable(lkr)
	}
	tail := lkr.tailLock
	if tail == nil {
		return ErrNoLocksHeld
	}
	if parent := lkr.parentScope; parent != nil && parent.tailLock == tail {
		return ErrCrossScope
	}
	return lkr.manager.unlockToUpgradable(lkr, tail)
}

// UnlockCombine combines the last lock acquired or upgraded into a group
// which subsequent unlock operations release together. Combining an acquire
// with an upgrade is not allowed.
func (lkr *Locker) UnlockCombine() error {
	if lkr.tailBlock != nil {
		return lkr.tailBlock.unlockCombine(lkr)
	}
	tail := lkr.tailLock
	if tail == nil {
		return ErrNoLocksHeld
	}
	if parent := lkr.parentScope; parent != nil && parent.tailLock == tail {
		return ErrCrossScope
	}
	// Group of one, nothing to do.
	return nil
}

// ScopeEnter pushes a nested scope, capturing the current stack position.
func (lkr *Locker) ScopeEnter() *ParentScope {
	parent := &ParentScope{
		parentScope: lkr.parentScope,
		tailLock:    lkr.tailLock,
		tailBlock:   lkr.tailBlock,
	}
	if parent.tailBlock != nil {
		parent.tailBlockSize = parent.tailBlock.size
	}
	lkr.parentScope = parent
	return parent
}

// PromoteScope reassigns all locks acquired within the current scope to the
// parent scope.
func (lkr *Locker) PromoteScope() {
	if lkr.tailLock == nil && lkr.tailBlock == nil {
		return
	}
	parent := lkr.parentScope
	parent.tailLock = lkr.tailLock
	parent.tailBlock = lkr.tailBlock
	if parent.tailBlock != nil {
		parent.tailBlockSize = parent.tailBlock.size
	} else {
		parent.tailBlockSize = 0
	}
}

// ScopeUnlockAll releases all locks acquired within the current scope,
// without exiting it. Outside any scope, every held lock is released.
func (lkr *Locker) ScopeUnlockAll() {
	parent := lkr.parentScope
	if parent == nil || (parent.tailLock == nil && parent.tailBlock == nil) {
		// Unlock everything.
		if lkr.tailBlock == nil {
			if lkr.tailLock != nil {
				lkr.manager.unlock(lkr, lkr.tailLock)
				lkr.tailLock = nil
			}
			return
		}
		tail := lkr.tailBlock
		for tail != nil {
			tail.unlockToSavepoint(lkr, 0)
			tail = tail.pop()
		}
		lkr.tailBlock = nil
		return
	}

	if parent.tailBlock == nil {
		// The parent boundary is a single inline lock; it occupies slot zero
		// of the bottom block.
		if lkr.tailBlock != nil {
			tail := lkr.tailBlock
			for {
				prev := tail.peek()
				if prev == nil {
					tail.unlockToSavepoint(lkr, 1)
					break
				}
				tail.unlockToSavepoint(lkr, 0)
				tail.discard()
				tail = prev
			}
			lkr.tailBlock = tail
		}
		return
	}

	tail := lkr.tailBlock
	for tail != parent.tailBlock {
		tail.unlockToSavepoint(lkr, 0)
		tail = tail.pop()
	}
	tail.unlockToSavepoint(lkr, parent.tailBlockSize)
	lkr.tailBlock = tail
}

// ScopeExit exits the current scope, releasing all locks acquired within it.
// Returns false if no nested scope was active; everything is then released.
func (lkr *Locker) ScopeExit() bool {
	lkr.ScopeUnlockAll()
	return lkr.popScope() != nil
}

// ScopeExitAll releases all held locks and exits every scope.
func (lkr *Locker) ScopeExitAll() {
	lkr.parentScope = nil
	lkr.ScopeUnlockAll()
	lkr.tailLock = nil
	lkr.tailBlock = nil
}

// DiscardAllLocks drops the stack without releasing anything; the locks leak.
// Only for responding to a fatal error.
func (lkr *Locker) DiscardAllLocks() {
	lkr.parentScope = nil
	lkr.tailLock = nil
	lkr.tailBlock = nil
}

// TransferExclusive moves every exclusive lock in the top scope into a
// pending bundle, releasing all other locks immediately. The stack is left
// empty.
func (lkr *Locker) TransferExclusive() *PendingTxn {
	var pending *PendingTxn
	if lkr.tailBlock != nil {
		tail := lkr.tailBlock
		for tail != nil {
			pending = tail.transferExclusive(lkr, pending)
			tail = tail.pop()
		}
	} else if lkr.tailLock != nil {
		pending = lkr.manager.transferExclusive(lkr, lkr.tailLock, nil)
	} else {
		pending = newPendingTxn(lkr.manager)
	}
	lkr.tailLock = nil
	lkr.tailBlock = nil
	return pending
}

func (lkr *Locker) popScope() *ParentScope {
	parent := lkr.parentScope
	if parent == nil {
		lkr.tailLock = nil
		lkr.tailBlock = nil
	} else {
		lkr.tailLock = parent.tailLock
		lkr.tailBlock = parent.tailBlock
		lkr.parentScope = parent.parentScope
	}
	return parent
}

func (lkr *Locker) push(lock *Lock) {
	if lkr.tailBlock != nil {
		lkr.tailBlock.pushLock(lkr, lock, 0)
	} else if lkr.tailLock == nil {
		lkr.tailLock = lock
	} else {
		lkr.tailBlock = newBlockPair(lkr.tailLock, lock)
		lkr.tailLock = nil
	}
}

func (lkr *Locker) pushUpgrade(lock *Lock) {
	if lkr.tailBlock != nil {
		lkr.tailBlock.pushLock(lkr, lock, 1<<63)
		return
	}
	if lkr.tailLock == nil {
		b := newBlockSingle(lock)
		b.upgrades = 1 << 63
		lkr.tailBlock = b
		return
	}
	// Don't push a lock upgrade if it applies to the last acquisition within
	// this scope. This is required for unlocking the last frame.
	if lkr.tailLock != lock || lkr.parentScope != nil {
		b := newBlockPair(lkr.tailLock, lock)
		b.upgrades = 1 << 62
		lkr.tailBlock = b
		lkr.tailLock = nil
	}
}

// stackSize counts the frames held in the current and parent scopes, for
// tests and diagnostics.
func (lkr *Locker) stackSize() int {
	if lkr.tailBlock == nil {
		if lkr.tailLock == nil {
			return 0
		}
		return 1
	}
	n := 0
	for b := lkr.tailBlock; b != nil; b = b.prev {
		n += b.size
	}
	return n
}

const (
	firstBlockCapacity   = 8
	highestBlockCapacity = 64
)

// block stores a run of stack frames. The upgrades and unlockGroup bitmasks
// assign bit 63 to slot zero, which caps the capacity at 64.
type block struct {
	locks       []*Lock
	upgrades    uint64
	size        int
	unlockGroup uint64
	prev        *block
}

func newBlockSingle(first *Lock) *block {
	b := &block{locks: make([]*Lock, firstBlockCapacity), size: 1}
	b.locks[0] = first
	return b
}

func newBlockPair(first, second *Lock) *block {
	b := &block{locks: make([]*Lock, firstBlockCapacity), size: 2}
	b.locks[0] = first
	b.locks[1] = second
	return b
}

func newBlockPrev(prev *block, first *Lock, upgrade uint64) *block {
	capacity := len(prev.locks)
	if capacity < firstBlockCapacity {
		capacity = firstBlockCapacity
	} else if capacity < highestBlockCapacity {
		capacity <<= 1
	}
	b := &block{locks: make([]*Lock, capacity), size: 1, upgrades: upgrade, prev: prev}
	b.locks[0] = first
	return b
}

func (b *block) last() *Lock {
	return b.locks[b.size-1]
}

// pushLock appends a frame, chaining a new block when full. upgrade is 0 or
// 1<<63.
func (b *block) pushLock(lkr *Locker, lock *Lock, upgrade uint64) {
	size := b.size

	// Don't push a lock upgrade if it applies to the last acquisition within
	// this scope.
	if upgrade != 0 {
		parent := lkr.parentScope
		if (parent == nil || parent.tailBlockSize != size) && b.locks[size-1] == lock {
			return
		}
	}

	if size < len(b.locks) {
		b.locks[size] = lock
		b.upgrades |= upgrade >> uint(size)
		b.size = size + 1
	} else {
		lkr.tailBlock = newBlockPrev(b, lock, upgrade)
	}
}

func (b *block) parentCheck(lkr *Locker, lock *Lock) error {
	parent := lkr.parentScope
	if parent == nil {
		return nil
	}
	if parent.tailLock == lock && parent.tailBlock == nil {
		return ErrCrossScope
	}
	if parent.tailBlock == b && parent.tailBlockSize == b.size {
		return ErrCrossScope
	}
	return nil
}

func (b *block) unlockLast(lkr *Locker) error {
	size := b.size
	for {
		size--

		upgrades := b.upgrades
		mask := uint64(1) << 63 >> uint(size)
		if upgrades&mask != 0 {
			return ErrNonImmediateUpgrade
		}

		lock := b.locks[size]
		if err := b.parentCheck(lkr, lock); err != nil {
			return err
		}

		lkr.manager.unlock(lkr, lock)

		// Only pop the frame once the unlock succeeded.
		b.locks[size] = nil

		if size == 0 {
			prev := b.prev
			lkr.tailBlock = prev
			b.prev = nil
			if b.unlockGroup&mask == 0 {
				return nil
			}
			b = prev
			size = b.size
		} else {
			b.upgrades = upgrades &^ mask
			b.size = size
			unlockGroup := b.unlockGroup
			if unlockGroup&mask == 0 {
				return nil
			}
			b.unlockGroup = unlockGroup &^ mask
		}
	}
}

func (b *block) unlockLastToShared(lkr *Locker) error {
	size := b.size
	for {
		size--

		mask := uint64(1) << 63 >> uint(size)
		if b.upgrades&mask != 0 {
			return ErrNonImmediateUpgrade
		}

		lock := b.locks[size]
		if err := b.parentCheck(lkr, lock); err != nil {
			return err
		}

		lkr.manager.unlockToShared(lkr, lock)

		if b.unlockGroup&mask == 0 {
			return nil
		}
		if size == 0 {
			b = b.prev
			size = b.size
		}
	}
}

func (b *block) unlockLastToUpgradable(lkr *Locker) error {
	size := b.size
	for {
		size--

		lock := b.locks[size]
		if err := b.parentCheck(lkr, lock); err != nil {
			return err
		}

		if err := lkr.manager.unlockToUpgradable(lkr, lock); err != nil {
			return err
		}

		upgrades := b.upgrades
		mask := uint64(1) << 63 >> uint(size)

		if upgrades&mask == 0 {
			if b.unlockGroup&mask == 0 {
				return nil
			}
			if size == 0 {
				b = b.prev
				size = b.size
			}
			continue
		}

		// Pop the reverted upgrade off the stack.
		b.locks[size] = nil

		if size == 0 {
			prev := b.prev
			lkr.tailBlock = prev
			b.prev = nil
			if b.unlockGroup&mask == 0 {
				return nil
			}
			b = prev
			size = b.size
		} else {
			b.upgrades = upgrades &^ mask
			b.size = size
			unlockGroup := b.unlockGroup
			if unlockGroup&mask == 0 {
				return nil
			}
			b.unlockGroup = unlockGroup &^ mask
		}
	}
}

func (b *block) unlockCombine(lkr *Locker) error {
	for {
		// Find the combine position by searching backwards for a zero bit.
		size := b.size - 1

		// Set all unused rightmost bits to one, then isolate the rightmost
		// zero bit (Hacker's Delight section 2-1), producing 0 if none.
		mask := b.unlockGroup | (^(uint64(1) << 63) >> uint(size))
		mask = ^mask & (mask + 1)

		if mask == 0 {
			if b.prev == nil {
				return nil
			}
			b = b.prev
			continue
		}

		if err := b.parentCheck(lkr, b.locks[b.size-1]); err != nil {
			return err
		}

		upgrades := b.upgrades

		var prevMask uint64
		if size != 0 {
			// Arithmetic shift replicates the top upgrade bit.
			prevMask = uint64(int64(upgrades) >> 1)
		} else {
			prev := b.prev
			if prev == nil {
				// Group of one, nothing to do.
				return nil
			}
			prevMask = prev.upgrades << uint(prev.size-1)
		}

		if (upgrades^prevMask)&mask != 0 {
			return ErrCombineMismatch
		}

		b.unlockGroup |= mask
		return nil
	}
}

// unlockToSavepoint releases frames down to targetSize. If targetSize is
// zero, the caller must pop and discard the block afterwards.
func (b *block) unlockToSavepoint(lkr *Locker, targetSize int) {
	size := b.size
	if size <= targetSize {
		return
	}
	size--
	mask := uint64(1) << 63 >> uint(size)
	upgrades := b.upgrades
	for {
		lock := b.locks[size]
		if upgrades&mask != 0 {
			// Revert the upgrade; the pre-upgrade hold belongs to an earlier
			// frame.
			lkr.manager.unlockToUpgradable(lkr, lock) //nolint:errcheck
		} else {
			lkr.manager.unlock(lkr, lock)
		}
		b.locks[size] = nil
		if size == targetSize {
			break
		}
		size--
		mask <<= 1
	}
	b.upgrades = upgrades &^ (^uint64(0) >> uint(size))
	b.size = size
}

// transferExclusive feeds every frame to the manager transfer. The caller
// must pop and discard the block afterwards.
func (b *block) transferExclusive(lkr *Locker, pending *PendingTxn) *PendingTxn {
	for size := b.size; size > 0; {
		size--
		pending = lkr.manager.transferExclusive(lkr, b.locks[size], pending)
	}
	return pending
}

func (b *block) pop() *block {
	prev := b.prev
	b.prev = nil
	return prev
}

func (b *block) peek() *block {
	return b.prev
}

func (b *block) discard() {
	b.prev = nil
}
