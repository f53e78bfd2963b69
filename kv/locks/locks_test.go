package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIndexID uint64 = 7

var (
	k1 = []byte("k1")
	k2 = []byte("k2")
	k3 = []byte("k3")
)

func newTestManager() *LockManager {
	return NewLockManager(16, UpgradeStrict)
}

func TestBasicSharedOwnership(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	res, err := a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, OwnedShared, res)

	// A second shared holder is compatible.
	res, err = b.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	assert.Equal(t, OwnedShared, a.LockCheck(testIndexID, k1))
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k2))

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Unlock())
	assert.Equal(t, 0, lm.LockCount())
}

func TestExclusiveDeniesAll(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	res, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = b.TryLockShared(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)
	res, err = b.TryLockUpgradable(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)
	res, err = b.TryLockExclusive(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)

	require.NoError(t, a.Unlock())

	res, err = b.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	require.NoError(t, b.Unlock())
}

func TestUpgradableExcludesUpgradable(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()
	c := lm.NewLocker()

	res, err := a.LockUpgradable(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	// Shared is still compatible; another upgradable is not.
	res, err = b.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	res, err = c.TryLockUpgradable(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)

	require.NoError(t, b.Unlock())
	require.NoError(t, a.Unlock())
}

func TestIllegalUpgradeFromShared(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)

	res, err := a.TryLockUpgradable(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Illegal, res)

	_, err = a.LockExclusive(testIndexID, k1, -1)
	require.Error(t, err)
	assert.IsType(t, &IllegalUpgradeError{}, err)

	a.ScopeExitAll()
}

func TestLenientUpgradeRule(t *testing.T) {
	lm := NewLockManager(16, UpgradeLenient)
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)

	// Sole shared holder may promote.
	res, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res)
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))
	a.ScopeExitAll()

	// With two shared holders the upgrade stays illegal.
	_, err = a.LockShared(testIndexID, k2, -1)
	require.NoError(t, err)
	_, err = b.LockShared(testIndexID, k2, -1)
	require.NoError(t, err)
	res, err = a.TryLockExclusive(testIndexID, k2, 0)
	require.NoError(t, err)
	assert.Equal(t, Illegal, res)

	a.ScopeExitAll()
	b.ScopeExitAll()
}

func TestUpgradeCoalescing(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	res, err := a.LockUpgradable(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	assert.Equal(t, 1, a.stackSize())

	res, err = a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res)
	// The upgrade of the immediately preceding acquisition is coalesced.
	assert.Equal(t, 1, a.stackSize())

	// A single unlock releases everything.
	require.NoError(t, a.Unlock())
	assert.Equal(t, 0, a.stackSize())
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k1))
	assert.Equal(t, 0, lm.LockCount())
}

func TestNonImmediateUpgradeUnlock(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockUpgradable(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = a.LockUpgradable(testIndexID, k2, -1)
	require.NoError(t, err)

	// Upgrading k1 is not an upgrade of the immediately preceding
	// acquisition, so it occupies its own frame.
	res, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res)
	assert.Equal(t, 3, a.stackSize())

	// Releasing the upgrade alone would lose the pre-upgrade state.
	assert.Equal(t, ErrNonImmediateUpgrade, a.Unlock())

	// Weakening it back to upgradable pops the upgrade frame.
	require.NoError(t, a.UnlockToUpgradable())
	assert.Equal(t, 2, a.stackSize())
	assert.Equal(t, OwnedUpgradable, a.LockCheck(testIndexID, k1))

	a.ScopeExitAll()
}

func TestUnlockDowngrades(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	require.NoError(t, a.UnlockToUpgradable())
	assert.Equal(t, OwnedUpgradable, a.LockCheck(testIndexID, k1))

	// Shared readers may now proceed.
	res, err := b.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	require.NoError(t, b.Unlock())

	require.NoError(t, a.UnlockToShared())
	assert.Equal(t, OwnedShared, a.LockCheck(testIndexID, k1))

	require.NoError(t, a.Unlock())
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k1))
	assert.Equal(t, 0, lm.LockCount())
}

func TestUnlockNoLocksHeld(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	assert.Equal(t, ErrNoLocksHeld, a.Unlock())
	assert.Equal(t, ErrNoLocksHeld, a.UnlockToShared())
	assert.Equal(t, ErrNoLocksHeld, a.UnlockCombine())
	_, err := a.LastLockedKey()
	assert.Equal(t, ErrNoLocksHeld, err)
}

func TestUnlockCombineGroup(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = a.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)
	_, err = a.LockExclusive(testIndexID, k3, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, a.stackSize())

	// Group the top two; one unlock drops both, leaving k1.
	require.NoError(t, a.UnlockCombine())
	require.NoError(t, a.Unlock())
	assert.Equal(t, 1, a.stackSize())
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k3))
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k2))
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))

	require.NoError(t, a.Unlock())
	assert.Equal(t, 0, lm.LockCount())
}

func TestUnlockCombineMismatch(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = a.LockUpgradable(testIndexID, k2, -1)
	require.NoError(t, err)
	// Non-immediate upgrade of k2... first push another acquisition.
	_, err = a.LockUpgradable(testIndexID, k3, -1)
	require.NoError(t, err)
	res, err := a.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res)

	// The top frame is an upgrade; the one below is an acquire.
	assert.Equal(t, ErrCombineMismatch, a.UnlockCombine())

	a.ScopeExitAll()
}

func TestLastLocked(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = a.LockShared(testIndexID, k2, -1)
	require.NoError(t, err)

	id, err := a.LastLockedIndex()
	require.NoError(t, err)
	assert.Equal(t, testIndexID, id)
	key, err := a.LastLockedKey()
	require.NoError(t, err)
	assert.Equal(t, k2, key)

	a.ScopeExitAll()
}

func TestScopeEnterExit(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	a.ScopeEnter()
	assert.True(t, a.IsNested())
	assert.Equal(t, 1, a.NestingLevel())

	_, err = a.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)
	_, err = a.LockExclusive(testIndexID, k3, -1)
	require.NoError(t, err)

	// Unlocking past the scope boundary is forbidden.
	require.NoError(t, a.Unlock())
	require.NoError(t, a.Unlock())
	assert.Equal(t, ErrCrossScope, a.Unlock())

	_, err = a.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)

	// Exit releases exactly the sub-scope's locks.
	a.ScopeExit()
	assert.False(t, a.IsNested())
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k2))
	assert.Equal(t, Unowned, a.LockCheck(testIndexID, k3))
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))
	assert.Equal(t, 1, a.stackSize())

	a.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestScopePromote(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	a.ScopeEnter()
	_, err = a.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)

	a.PromoteScope()
	a.ScopeExit()

	// The promoted lock survives the scope exit.
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k2))

	a.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestScopeManyLocksBlocks(t *testing.T) {
	// Push enough locks to chain several blocks, then release to a savepoint.
	lm := newTestManager()
	a := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	a.ScopeEnter()
	keys := make([][]byte, 0, 150)
	for i := 0; i < 150; i++ {
		key := []byte{byte(i), byte(i >> 8), 'x'}
		keys = append(keys, key)
		_, err = a.LockExclusive(testIndexID, key, -1)
		require.NoError(t, err)
	}
	assert.Equal(t, 151, a.stackSize())

	a.ScopeExit()
	for _, key := range keys {
		assert.Equal(t, Unowned, a.LockCheck(testIndexID, key))
	}
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))

	a.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestFIFOSharedBehindExclusiveWaiter(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()
	c := lm.NewLocker()

	_, err := a.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)

	done := make(chan LockResult, 1)
	go func() {
		res, _ := b.LockExclusive(testIndexID, k1, -1)
		done <- res
	}()

	// Wait until b is parked.
	waitUntil(t, func() bool { return b.waitingFor != nil })

	// A fresh shared request must queue behind the waiting writer.
	res, err := c.TryLockShared(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)

	require.NoError(t, a.Unlock())
	assert.Equal(t, Acquired, <-done)

	b.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestHolderUpgradePriority(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()
	c := lm.NewLocker()

	_, err := a.LockUpgradable(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = b.LockShared(testIndexID, k1, -1)
	require.NoError(t, err)

	aDone := make(chan LockResult, 1)
	go func() {
		res, _ := a.LockExclusive(testIndexID, k1, -1)
		aDone <- res
	}()
	waitUntil(t, func() bool { return a.waitingFor != nil })

	cDone := make(chan LockResult, 1)
	go func() {
		res, _ := c.LockExclusive(testIndexID, k1, -1)
		cDone <- res
	}()
	waitUntil(t, func() bool { return c.waitingFor != nil })

	// The holder's upgrade is granted before the queued writer.
	require.NoError(t, b.Unlock())
	assert.Equal(t, Upgraded, <-aDone)
	assert.Equal(t, OwnedExclusive, a.LockCheck(testIndexID, k1))

	a.ScopeExitAll()
	assert.Equal(t, Acquired, <-cDone)
	c.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestLockTimeout(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()
	b.Attach("victim")

	_, err := b.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.LockExclusive(testIndexID, k1, 50*time.Millisecond)
	require.Error(t, err)
	timeoutErr, ok := err.(*LockTimeoutError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Equal(t, "victim", timeoutErr.Attachment)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)

	b.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestLockInterrupted(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.LockShared(testIndexID, k1, -1)
		errCh <- err
	}()
	waitUntil(t, func() bool { return b.waitingFor != nil })

	b.Interrupt()
	err = <-errCh
	require.Error(t, err)
	assert.IsType(t, &LockInterruptedError{}, err)

	a.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestDeadlockDetection(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = b.LockExclusive(testIndexID, k2, -1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	var aErr, bErr error
	go func() {
		defer wg.Done()
		_, aErr = a.LockExclusive(testIndexID, k2, 300*time.Millisecond)
	}()
	go func() {
		defer wg.Done()
		_, bErr = b.LockExclusive(testIndexID, k1, time.Second)
	}()
	wg.Wait()

	// The first waiter to time out observes the cycle.
	deadlockErr, ok := aErr.(*DeadlockError)
	require.True(t, ok, "got %v (%T)", aErr, aErr)
	assert.True(t, deadlockErr.Guilty)
	require.Len(t, deadlockErr.Set, 2)
	seen := map[string]bool{}
	for _, info := range deadlockErr.Set {
		assert.Equal(t, testIndexID, info.IndexID)
		seen[string(info.Key)] = true
	}
	assert.True(t, seen["k1"])
	assert.True(t, seen["k2"])

	// The survivor merely timed out; the cycle was broken by then.
	require.Error(t, bErr)
	assert.IsType(t, &LockTimeoutError{}, bErr)

	a.ScopeExitAll()
	b.ScopeExitAll()
	assert.Equal(t, 0, lm.LockCount())
}

func TestZeroTimeoutSkipsDetection(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)

	res, err := b.TryLockExclusive(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)
	assert.Nil(t, b.waitingFor)

	a.ScopeExitAll()
}

func TestTransferExclusive(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	b := lm.NewLocker()

	_, err := a.LockExclusive(testIndexID, k1, -1)
	require.NoError(t, err)
	_, err = a.LockShared(testIndexID, k2, -1)
	require.NoError(t, err)
	_, err = a.LockExclusive(testIndexID, k3, -1)
	require.NoError(t, err)

	pending := a.TransferExclusive()
	assert.Equal(t, 0, a.stackSize())
	assert.Equal(t, 2, pending.LockCount())

	// The shared lock was released immediately.
	res, err := b.TryLockShared(testIndexID, k2, 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	require.NoError(t, b.Unlock())

	// The exclusive locks stay held by the bundle.
	res, err = b.TryLockShared(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, TimedOutLock, res)

	pending.Finish()
	res, err = b.TryLockShared(testIndexID, k1, 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)
	require.NoError(t, b.Unlock())
	assert.Equal(t, 0, lm.LockCount())
}

func TestTransferExclusiveEmptyScope(t *testing.T) {
	lm := newTestManager()
	a := lm.NewLocker()
	pending := a.TransferExclusive()
	assert.Equal(t, 0, pending.LockCount())
	pending.Finish()
}

func TestHashSpread(t *testing.T) {
	// Same key under different index ids names different resources.
	assert.NotEqual(t, Hash(1, k1), Hash(2, k1))
	assert.NotEqual(t, Hash(1, k1), Hash(1, k2))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
