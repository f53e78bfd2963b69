package locks

// LockType selects the strength of a lock request.
type LockType int

const (
	TypeShared LockType = iota
	TypeUpgradable
	TypeExclusive
)

func (t LockType) String() string {
	switch t {
	case TypeShared:
		return "shared"
	case TypeUpgradable:
		return "upgradable"
	case TypeExclusive:
		return "exclusive"
	}
	return "unknown"
}

// LockResult is the outcome of a lock request.
type LockResult int

const (
	// ResultNone is the zero value and never returned by a completed request.
	ResultNone LockResult = iota

	// Acquired means a new lock was acquired and pushed onto the owner's stack.
	Acquired
	// Upgraded means an owned lock was upgraded to exclusive.
	Upgraded
	// OwnedShared, OwnedUpgradable and OwnedExclusive mean the requester
	// already owned the lock strongly enough; nothing was pushed.
	OwnedShared
	OwnedUpgradable
	OwnedExclusive
	// Unowned is returned by ownership checks only.
	Unowned
	// TimedOutLock means the wait expired before the lock became available.
	TimedOutLock
	// Illegal means the request was an illegal upgrade from a shared hold.
	Illegal
	// Interrupted means the waiting locker was interrupted.
	Interrupted
)

// IsHeld reports whether the request left the lock held by the requester.
func (r LockResult) IsHeld() bool {
	switch r {
	case Acquired, Upgraded, OwnedShared, OwnedUpgradable, OwnedExclusive:
		return true
	}
	return false
}

// AlreadyOwned reports whether the lock was owned before the request, in
// which case no matching unlock should be performed.
func (r LockResult) AlreadyOwned() bool {
	switch r {
	case OwnedShared, OwnedUpgradable, OwnedExclusive:
		return true
	}
	return false
}

// IsTimedOut reports whether the request gave up waiting.
func (r LockResult) IsTimedOut() bool {
	return r == TimedOutLock
}

func (r LockResult) String() string {
	switch r {
	case Acquired:
		return "ACQUIRED"
	case Upgraded:
		return "UPGRADED"
	case OwnedShared:
		return "OWNED_SHARED"
	case OwnedUpgradable:
		return "OWNED_UPGRADABLE"
	case OwnedExclusive:
		return "OWNED_EXCLUSIVE"
	case Unowned:
		return "UNOWNED"
	case TimedOutLock:
		return "TIMED_OUT_LOCK"
	case Illegal:
		return "ILLEGAL"
	case Interrupted:
		return "INTERRUPTED"
	}
	return "NONE"
}

// UpgradeRule governs whether a locker holding only a shared lock may request
// an upgradable or exclusive lock on the same key.
type UpgradeRule int

const (
	// UpgradeStrict forbids shared to upgradable/exclusive upgrades.
	UpgradeStrict UpgradeRule = iota
	// UpgradeLenient permits the upgrade when the requester is the sole
	// shared holder.
	UpgradeLenient
	// UpgradeUnchecked always permits the upgrade attempt, which can
	// deadlock when two shared holders upgrade concurrently.
	UpgradeUnchecked
)
