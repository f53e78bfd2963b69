package transaction

import (
	"bytes"

	"github.com/juju/errors"

	"github.com/tupldb/tuplkv/kv/storage"
	"github.com/tupldb/tuplkv/kv/util/codec"
)

// FragmentedTrash is the persisted collection of fragmented values pending
// undo or post-commit reclamation. Entries are keyed by transaction id prefix
// plus a reverse encoded sequence, so the newest entry of a transaction
// sorts first within its prefix.
//
// The trash cursor never locks: entries are only reachable through the
// owning transaction's undo records, and the caller serializes access.
type FragmentedTrash struct {
	store storage.Store
}

// NewFragmentedTrash wraps the hidden trash store.
func NewFragmentedTrash(store storage.Store) *FragmentedTrash {
	return &FragmentedTrash{store: store}
}

// Add copies a fragmented value into the trash and pushes the reclaim record
// onto the transaction's undo log. The trash write happens first, so the undo
// record always refers to a live copy. Any failure borks the transaction.
func (ft *FragmentedTrash) Add(txn *Transaction, ix *Index, key, value []byte) error {
	trashKey, err := ft.prepareKey(txn.ID())
	if err != nil {
		txn.bork(err)
		return err
	}

	txn.setHasTrash()
	if err := ft.store.Put(trashKey, value); err != nil {
		txn.bork(err)
		return errors.Annotate(err, "write trash entry")
	}

	payload, err := encodeReclaimPayload(key, trashKey[8:])
	if err != nil {
		txn.bork(err)
		return err
	}
	txn.pushUndo(undoRecord{op: opReclaimFragmented, indexID: ix.id, payload: payload})
	return nil
}

// prepareKey allocates the next trash key for the transaction: the first
// entry is txnid || 0xff, and each following entry decrements the reverse
// sequence so it sorts strictly before the previous one.
func (ft *FragmentedTrash) prepareKey(txnID uint64) ([]byte, error) {
	prefix := codec.EncodeUint64(nil, txnID)

	it := ft.store.NewIterator()
	defer it.Close() //nolint:errcheck

	// Find the most recent entry: the first key past the bare prefix.
	it.Seek(append(append([]byte(nil), prefix...), 0x00))
	if it.Valid() && len(it.Key()) > 8 && bytes.Equal(it.Key()[:8], prefix) {
		key := append([]byte(nil), it.Key()...)
		return codec.DecrementReverseVarUint(key, 8)
	}
	return append(prefix, 0xff), nil
}

// Remove replays one reclaim undo record: the trash value is read and
// deleted, then re-inserted into the index under the original key. If the
// destination holds an uncommitted intermediate value, it is deleted first.
func (ft *FragmentedTrash) Remove(txnID uint64, ix *Index, payload []byte) error {
	indexKey, suffix, err := decodeReclaimPayload(payload)
	if err != nil {
		return err
	}
	trashKey := codec.EncodeUint64(nil, txnID)
	trashKey = append(trashKey, suffix...)

	fragmented, err := ft.store.Get(trashKey)
	if err != nil {
		return err
	}
	if fragmented == nil {
		return ErrTrashMissing
	}
	if err := ft.store.Delete(trashKey); err != nil {
		return err
	}

	ok, err := storage.InsertFragmented(ix.store, indexKey, fragmented)
	if err != nil {
		return err
	}
	if !ok {
		// The undo applies to an update: delete the uncommitted value and
		// insert again.
		if err := ix.store.Delete(indexKey); err != nil {
			return err
		}
		if _, err := storage.InsertFragmented(ix.store, indexKey, fragmented); err != nil {
			return err
		}
	}
	return nil
}

// EmptyTrash non-transactionally deletes every trash entry of a committed
// transaction, releasing fragment pages under the shared commit latch.
func (ft *FragmentedTrash) EmptyTrash(txnID uint64, db *Database) error {
	prefix := codec.EncodeUint64(nil, txnID)

	it := ft.store.NewIterator()
	defer it.Close() //nolint:errcheck

	for it.Seek(prefix); it.Valid(); it.Seek(prefix) {
		key := append([]byte(nil), it.Key()...)
		if len(key) < 8 || !bytes.Equal(key[:8], prefix) {
			break
		}
		if err := ft.release(db, key, it.Value()); err != nil {
			return err
		}
	}
	return nil
}

// EmptyAllTrash deletes every trash entry; expected to be called only during
// recovery, after redo replay. Reports whether any trash was found, which
// means the crashed process had transactions with pending trash.
func (ft *FragmentedTrash) EmptyAllTrash(db *Database) (bool, error) {
	found := false

	it := ft.store.NewIterator()
	defer it.Close() //nolint:errcheck

	for it.SeekToFirst(); it.Valid(); it.SeekToFirst() {
		found = true
		key := append([]byte(nil), it.Key()...)
		if err := ft.release(db, key, it.Value()); err != nil {
			return found, err
		}
	}
	return found, nil
}

func (ft *FragmentedTrash) release(db *Database, key, value []byte) error {
	db.commitLatch.RLock()
	defer db.commitLatch.RUnlock()
	if err := db.fragAlloc.DeleteFragments(value); err != nil {
		return errors.Annotate(err, "release fragments")
	}
	return ft.store.Delete(key)
}

// Len reports the number of trash entries, for tests.
func (ft *FragmentedTrash) Len() int {
	n := 0
	it := ft.store.NewIterator()
	defer it.Close() //nolint:errcheck
	for it.SeekToFirst(); it.Valid(); it.Next() {
		n++
	}
	return n
}
