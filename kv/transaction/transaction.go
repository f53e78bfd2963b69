package transaction

import (
	"time"

	"github.com/juju/errors"
	"github.com/ngaut/log"

	"github.com/tupldb/tuplkv/kv/locks"
)

// LockMode selects the lock acquisition behavior of read operations. Writes
// always acquire exclusive locks, except on the bogus transaction.
type LockMode int

const (
	// ModeUpgradableRead acquires upgradable locks for reads and keeps them.
	ModeUpgradableRead LockMode = iota
	// ModeRepeatableRead acquires shared locks for reads and keeps them.
	ModeRepeatableRead
	// ModeReadCommitted acquires shared locks for reads; they may be
	// released before the transaction ends.
	ModeReadCommitted
	// ModeReadUncommitted reads without locking.
	ModeReadUncommitted
	// ModeUnsafe reads without locking and records no undo. Writes still
	// lock exclusively.
	ModeUnsafe
)

// Transaction is a unit of locking and undo accumulation. It is bound to one
// goroutine at a time. Scopes may nest via Enter; each Exit rolls the nested
// scope back, and Commit at the top level makes every scope's changes
// permanent.
type Transaction struct {
	db     *Database
	locker *locks.Locker
	bogus  bool
	auto   bool

	id      uint64
	mode    LockMode
	timeout time.Duration

	hasTrash bool
	borked   error

	undo       []undoRecord
	savepoints []scopeState
}

// scopeState captures what a nested scope must restore on exit: the undo
// position and the scope-local mode and timeout.
type scopeState struct {
	undoMark int
	mode     LockMode
	timeout  time.Duration
}

// ID returns the transaction id, assigned from the database's monotonic
// service.
func (txn *Transaction) ID() uint64 {
	return txn.id
}

// IsBogus reports whether this is the distinguished no-locking transaction.
func (txn *Transaction) IsBogus() bool {
	return txn.bogus
}

// SetLockMode changes the read locking mode.
func (txn *Transaction) SetLockMode(mode LockMode) {
	txn.mode = mode
}

// LockMode returns the read locking mode.
func (txn *Transaction) LockMode() LockMode {
	return txn.mode
}

// SetLockTimeout changes the default lock wait; negative waits forever.
func (txn *Transaction) SetLockTimeout(d time.Duration) {
	txn.timeout = d
}

// Attach associates an object with the transaction, visible to lockers which
// time out waiting on it.
func (txn *Transaction) Attach(obj interface{}) {
	if txn.bogus {
		return
	}
	txn.locker.Attach(obj)
}

// Attachment returns the attached object.
func (txn *Transaction) Attachment() interface{} {
	if txn.bogus {
		return nil
	}
	return txn.locker.Attachment()
}

// Locker exposes the underlying lock scope for advanced use.
func (txn *Transaction) Locker() *locks.Locker {
	return txn.locker
}

// HasTrash reports whether fragmented values were moved to the trash by this
// transaction.
func (txn *Transaction) HasTrash() bool {
	return txn.hasTrash
}

func (txn *Transaction) setHasTrash() {
	txn.hasTrash = true
}

// bork marks the transaction unusable after a failure which may have left
// partial state. Commit and rollback fail until Reset.
func (txn *Transaction) bork(err error) {
	if txn.borked == nil {
		txn.borked = err
	}
}

// Enter pushes a nested scope. Locks and undo recorded inside it are
// released or replayed by the matching Exit, or promoted by Commit.
func (txn *Transaction) Enter() {
	if txn.bogus {
		return
	}
	txn.locker.ScopeEnter()
	txn.savepoints = append(txn.savepoints, scopeState{
		undoMark: len(txn.undo),
		mode:     txn.mode,
		timeout:  txn.timeout,
	})
}

// Exit rolls back the current scope and pops it. On the outermost scope it
// behaves like Rollback.
func (txn *Transaction) Exit() error {
	if txn.bogus {
		return nil
	}
	if txn.borked != nil {
		return &BorkedTransactionError{Cause: txn.borked}
	}
	if len(txn.savepoints) == 0 {
		return txn.Rollback()
	}
	saved := txn.savepoints[len(txn.savepoints)-1]
	txn.savepoints = txn.savepoints[:len(txn.savepoints)-1]
	if err := txn.replayUndo(saved.undoMark); err != nil {
		txn.bork(err)
		return err
	}
	txn.locker.ScopeExit()
	txn.mode = saved.mode
	txn.timeout = saved.timeout
	return nil
}

// Commit commits the current scope. Nested scopes promote their locks and
// undo to the parent; the outermost scope appends the redo record, transfers
// exclusive locks to a pending bundle until the record is durable, and
// empties the transaction's trash.
func (txn *Transaction) Commit() error {
	if txn.bogus {
		return nil
	}
	if txn.borked != nil {
		return &BorkedTransactionError{Cause: txn.borked}
	}

	if len(txn.savepoints) > 0 {
		saved := txn.savepoints[len(txn.savepoints)-1]
		txn.savepoints = txn.savepoints[:len(txn.savepoints)-1]
		txn.locker.PromoteScope()
		txn.locker.ScopeExit()
		txn.mode = saved.mode
		txn.timeout = saved.timeout
		return nil
	}

	pos, err := txn.db.redo.Append(txn.id, true)
	if err != nil {
		return errors.Annotate(err, "append commit record")
	}

	pending := txn.locker.TransferExclusive()
	pending.CommitPos = pos
	if err := txn.db.redo.WaitForDurable(pos); err != nil {
		// The bundle is finished anyway, releasing its locks; this
		// transaction is done with them.
		pending.Finish()
		return errors.Annotate(err, "commit durability barrier")
	}
	pending.Finish()

	if txn.hasTrash {
		if err := txn.db.trash.EmptyTrash(txn.id, txn.db); err != nil {
			log.Errorf("empty trash for txn %d: %v", txn.id, err)
			return err
		}
	}

	txn.finishTop()
	return nil
}

// Rollback replays the undo log newest-first, releases every lock and exits
// all scopes.
func (txn *Transaction) Rollback() error {
	if txn.bogus {
		return nil
	}
	if txn.borked != nil {
		return &BorkedTransactionError{Cause: txn.borked}
	}
	if err := txn.replayUndo(0); err != nil {
		txn.bork(err)
		return err
	}
	txn.locker.ScopeExitAll()
	txn.finishTop()
	return nil
}

// Reset force-releases the transaction, clearing a borked state. Undo that
// could not be replayed is discarded.
func (txn *Transaction) Reset() {
	if txn.bogus {
		return
	}
	if txn.borked == nil {
		if err := txn.Rollback(); err == nil {
			return
		}
	}
	if err := txn.replayUndo(0); err != nil {
		log.Errorf("discarding unreplayable undo for txn %d: %v", txn.id, err)
	}
	txn.locker.ScopeExitAll()
	txn.borked = nil
	txn.finishTop()
}

func (txn *Transaction) finishTop() {
	txn.undo = nil
	txn.savepoints = nil
	txn.hasTrash = false
	txn.id = txn.db.nextTxnID()
}

// replayUndo rolls the undo log back to mark, newest records first. Each
// record is popped once applied, so a failed replay can resume without
// re-applying.
func (txn *Transaction) replayUndo(mark int) error {
	for len(txn.undo) > mark {
		i := len(txn.undo) - 1
		rec := txn.undo[i]
		ix := txn.db.indexByID(rec.indexID)
		if ix == nil {
			return errors.Errorf("undo references unknown index %d", rec.indexID)
		}
		switch rec.op {
		case opUnInsert:
			if err := ix.store.Delete(rec.payload); err != nil {
				return err
			}
		case opUnUpdate:
			key, value, err := decodeKeyValue(rec.payload)
			if err != nil {
				return err
			}
			if err := ix.store.Put(key, value); err != nil {
				return err
			}
		case opReclaimFragmented:
			if err := txn.db.trash.Remove(txn.id, ix, rec.payload); err != nil {
				return err
			}
		}
		txn.undo = txn.undo[:i]
	}
	return nil
}

func (txn *Transaction) pushUndo(rec undoRecord) {
	txn.undo = append(txn.undo, rec)
}

// recordUndo captures the pre-mutation state of key. Fragmented originals go
// through the trash so rollback always finds a live copy.
func (txn *Transaction) recordUndo(ix *Index, key, old []byte) error {
	if txn.bogus || txn.mode == ModeUnsafe {
		return nil
	}
	switch {
	case old == nil:
		txn.pushUndo(undoRecord{
			op:      opUnInsert,
			indexID: ix.id,
			payload: append([]byte(nil), key...),
		})
	case txn.db.isFragmented(old):
		return txn.db.trash.Add(txn, ix, key, old)
	default:
		txn.pushUndo(undoRecord{
			op:      opUnUpdate,
			indexID: ix.id,
			payload: encodeKeyValue(key, old),
		})
	}
	return nil
}

func (txn *Transaction) lockExclusive(ix *Index, key []byte) error {
	_, err := txn.locker.LockExclusive(ix.id, key, txn.timeout)
	return err
}

func finishAuto(txn *Transaction, err error) error {
	if err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			log.Errorf("rollback of auto-commit txn %d: %v", txn.id, rbErr)
		}
		return err
	}
	return txn.Commit()
}
