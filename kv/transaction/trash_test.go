package transaction

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tupldb/tuplkv/kv/config"
	"github.com/tupldb/tuplkv/kv/storage"
)

func newTrashDB(t *testing.T) (*Database, *Index) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.FragmentThreshold = 64
	db := OpenMem(cfg)
	ix, err := db.OpenIndex("test")
	require.NoError(t, err)
	return db, ix
}

func bigValue(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 200)
}

func TestTrashRollbackRestoresFragmented(t *testing.T) {
	db, ix := newTrashDB(t)
	key := []byte("big")
	big1 := bigValue(0xab)
	big2 := bigValue(0xcd)

	require.NoError(t, ix.Store(nil, key, big1))

	txn := db.NewTransaction()
	require.NoError(t, ix.Store(txn, key, big2))

	// The pre-mutation bytes live in the trash while the replacement is
	// uncommitted.
	assert.Equal(t, 1, db.Trash().Len())
	got, err := ix.Load(db.Bogus(), key)
	require.NoError(t, err)
	assert.Equal(t, big2, got)

	require.NoError(t, txn.Rollback())

	got, err = ix.Load(nil, key)
	require.NoError(t, err)
	assert.Equal(t, big1, got)
	assert.Equal(t, 0, db.Trash().Len())
	assert.Equal(t, 0, db.LockManager().LockCount())
}

func TestTrashRollbackOfDelete(t *testing.T) {
	db, ix := newTrashDB(t)
	key := []byte("big")
	big1 := bigValue(0x11)

	require.NoError(t, ix.Store(nil, key, big1))

	txn := db.NewTransaction()
	ok, err := ix.Delete(txn, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, db.Trash().Len())

	require.NoError(t, txn.Rollback())
	got, err := ix.Load(nil, key)
	require.NoError(t, err)
	assert.Equal(t, big1, got)
	assert.Equal(t, 0, db.Trash().Len())
}

func TestTrashCommitDrains(t *testing.T) {
	db, ix := newTrashDB(t)
	key := []byte("big")

	require.NoError(t, ix.Store(nil, key, bigValue(0x01)))

	txn := db.NewTransaction()
	require.NoError(t, ix.Store(txn, key, bigValue(0x02)))
	require.NoError(t, ix.Store(txn, key, bigValue(0x03)))
	assert.Equal(t, 2, db.Trash().Len())
	assert.True(t, txn.HasTrash())

	require.NoError(t, txn.Commit())
	assert.Equal(t, 0, db.Trash().Len())
	assert.False(t, txn.HasTrash())

	// Each drained entry released its fragments.
	alloc := db.fragAlloc.(*storage.CountingAllocator)
	assert.Equal(t, int64(2), alloc.Released())

	got, err := ix.Load(nil, key)
	require.NoError(t, err)
	assert.Equal(t, bigValue(0x03), got)
}

func TestTrashKeysOrderNewestFirst(t *testing.T) {
	db, ix := newTrashDB(t)
	key := []byte("big")

	require.NoError(t, ix.Store(nil, key, bigValue(0x01)))

	txn := db.NewTransaction()
	for i := 0; i < 5; i++ {
		require.NoError(t, ix.Store(txn, key, bigValue(byte(0x10+i))))
	}
	require.Equal(t, 5, db.Trash().Len())

	// All keys carry the txn id prefix, and an ordered scan walks them
	// newest first.
	it := db.trash.store.NewIterator()
	defer it.Close()
	var keys [][]byte
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	require.Len(t, keys, 5)
	for i := 0; i < len(keys); i++ {
		assert.Len(t, keys[i], 9) // prefix + single byte reverse varint
		if i > 0 {
			assert.True(t, bytes.Compare(keys[i-1], keys[i]) < 0)
		}
	}
	// The first trash key of a transaction ends with 0xff, and it is the
	// oldest, sorting last.
	assert.Equal(t, byte(0xff), keys[len(keys)-1][8])

	require.NoError(t, txn.Rollback())
	got, err := ix.Load(nil, key)
	require.NoError(t, err)
	assert.Equal(t, bigValue(0x01), got)
}

func TestEmptyAllTrashRecovery(t *testing.T) {
	db, ix := newTrashDB(t)
	key := []byte("big")

	require.NoError(t, ix.Store(nil, key, bigValue(0x0a)))

	// A transaction replaces the value and then "crashes": neither commit
	// nor rollback runs.
	txn := db.NewTransaction()
	require.NoError(t, ix.Store(txn, key, bigValue(0x0b)))
	require.Equal(t, 1, db.Trash().Len())

	hadTrash, err := db.Recover()
	require.NoError(t, err)
	assert.True(t, hadTrash)
	assert.Equal(t, 0, db.Trash().Len())

	// A clean database reports no trash.
	hadTrash, err = db.Recover()
	require.NoError(t, err)
	assert.False(t, hadTrash)
}

func TestRecoverRestoresTxnIDFloor(t *testing.T) {
	db, _ := newTrashDB(t)

	txn := db.NewTransaction()
	lastID := txn.ID()
	require.NoError(t, txn.Commit())

	// Wind the id service back, as a fresh process would start.
	db.txnIDs.Store(0)
	_, err := db.Recover()
	require.NoError(t, err)
	next := db.NewTransaction()
	assert.True(t, next.ID() > lastID, "id %d must exceed %d", next.ID(), lastID)
}

func TestFragmentSafetyDuringMutation(t *testing.T) {
	// At every instant of a trash-coupled mutation, the pre-mutation bytes
	// are in the index or in the trash.
	db, ix := newTrashDB(t)
	key := []byte("big")
	big1 := bigValue(0x77)

	require.NoError(t, ix.Store(nil, key, big1))

	check := func(c *Cursor, value Value) error {
		// The trigger runs mid-mutation, after the lock, before the write.
		fromIndex, err := ix.store.Get(key)
		if err != nil {
			return err
		}
		if bytes.Equal(fromIndex, big1) {
			return nil
		}
		t.Errorf("pre-mutation bytes lost during mutation")
		return nil
	}
	ix.AddTrigger(&funcTrigger{fn: check})

	txn := db.NewTransaction()
	require.NoError(t, ix.Store(txn, key, bigValue(0x78)))

	// After the write, the copy lives in the trash.
	assert.Equal(t, 1, db.Trash().Len())
	require.NoError(t, txn.Rollback())
	got, err := ix.Load(nil, key)
	require.NoError(t, err)
	assert.Equal(t, big1, got)
}
