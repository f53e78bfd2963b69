package locks

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Stack misuse errors. These indicate caller bugs, not recoverable
// conditions.
var (
	ErrNoLocksHeld         = errors.New("no locks held")
	ErrCrossScope          = errors.New("cannot cross a scope boundary")
	ErrNonImmediateUpgrade = errors.New("cannot unlock non-immediate upgrade")
	ErrCombineMismatch     = errors.New("cannot combine an acquire with an upgrade")
	ErrNotOwnedUpgradable  = errors.New("lock not owned upgradable")
)

// IllegalUpgradeError is returned when a locker holding a shared lock
// requests an upgradable or exclusive lock, forbidden by the upgrade rule.
type IllegalUpgradeError struct{}

func (e *IllegalUpgradeError) Error() string {
	return "illegal upgrade from shared lock"
}

// LockInterruptedError is returned when a waiting locker is interrupted.
type LockInterruptedError struct{}

func (e *LockInterruptedError) Error() string {
	return "interrupted while waiting for lock"
}

// LockTimeoutError is returned when a lock request waits its full timeout.
// Attachment is the blocking owner's attachment, if one was found.
type LockTimeoutError struct {
	Timeout    time.Duration
	Attachment interface{}
}

func (e *LockTimeoutError) Error() string {
	if e.Attachment == nil {
		return fmt.Sprintf("lock wait timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("lock wait timed out after %s, owner attachment: %v",
		e.Timeout, e.Attachment)
}

// DeadlockInfo identifies one lock on a detected cycle.
type DeadlockInfo struct {
	IndexID uint64
	Key     []byte
}

// DeadlockSet enumerates the locks participating in a deadlock cycle.
type DeadlockSet []DeadlockInfo

// DeadlockError is returned after a full-timeout wait when the detector finds
// a cycle through the waiting locker. Guilty is set when an edge of the cycle
// flows back into the origin.
type DeadlockError struct {
	Timeout time.Duration
	Guilty  bool
	Set     DeadlockSet
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected (guilty=%v, %d locks on cycle)",
		e.Guilty, len(e.Set))
}
