package transaction

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/ngaut/log"
	"go.uber.org/atomic"

	"github.com/tupldb/tuplkv/kv/config"
	"github.com/tupldb/tuplkv/kv/locks"
	"github.com/tupldb/tuplkv/kv/storage"
)

// Database owns the lock manager, the transaction id service, the fragmented
// trash and the registered indexes. Index naming and persistent cataloging
// belong to an external schema layer; ids here are assigned per process.
type Database struct {
	cfg     *config.Config
	lockMgr *locks.LockManager
	txnIDs  atomic.Uint64
	redo    RedoWriter

	trash     *FragmentedTrash
	fragAlloc storage.FragmentAllocator
	// commitLatch is held shared around fragment releases so a checkpoint
	// can exclude them by taking it exclusively.
	commitLatch sync.RWMutex

	mu          sync.Mutex
	indexes     map[string]*Index
	indexesByID map[uint64]*Index
	lastIndexID uint64
	tempCount   uint64
	newStore    func(name string) (storage.Store, error)

	bogus *Transaction
}

// Open creates a badger backed database under the configured path.
func Open(cfg *config.Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db := newDatabase(cfg, func(name string) (storage.Store, error) {
		return storage.NewBadgerStore(name, &cfg.Engine)
	})
	trashStore, err := db.newStore("trash")
	if err != nil {
		return nil, errors.Annotate(err, "open trash store")
	}
	db.trash = NewFragmentedTrash(trashStore)
	return db, nil
}

// OpenMem creates a memory backed database, for temporary data and tests.
func OpenMem(cfg *config.Config) *Database {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	db := newDatabase(cfg, func(name string) (storage.Store, error) {
		return storage.NewMemStore(), nil
	})
	db.trash = NewFragmentedTrash(storage.NewMemStore())
	return db
}

func newDatabase(cfg *config.Config, newStore func(string) (storage.Store, error)) *Database {
	rule := locks.UpgradeStrict
	switch cfg.UpgradeRule {
	case "lenient":
		rule = locks.UpgradeLenient
	case "unchecked":
		rule = locks.UpgradeUnchecked
	}
	db := &Database{
		cfg:         cfg,
		lockMgr:     locks.NewLockManager(cfg.LockTableShards, rule),
		redo:        newLocalRedo(),
		fragAlloc:   &storage.CountingAllocator{},
		indexes:     make(map[string]*Index),
		indexesByID: make(map[uint64]*Index),
		newStore:    newStore,
	}
	db.bogus = &Transaction{db: db, bogus: true, mode: ModeUnsafe}
	return db
}

// SetRedoWriter replaces the durability boundary; call before any commits.
func (db *Database) SetRedoWriter(w RedoWriter) {
	db.redo = w
}

// SetFragmentAllocator replaces the fragment release hook.
func (db *Database) SetFragmentAllocator(a storage.FragmentAllocator) {
	db.fragAlloc = a
}

// LockManager exposes the lock table.
func (db *Database) LockManager() *locks.LockManager {
	return db.lockMgr
}

// Trash exposes the fragmented trash.
func (db *Database) Trash() *FragmentedTrash {
	return db.trash
}

// CheckpointLock takes the commit latch exclusively, excluding fragment
// releases while a checkpoint runs.
func (db *Database) CheckpointLock() {
	db.commitLatch.Lock()
}

func (db *Database) CheckpointUnlock() {
	db.commitLatch.Unlock()
}

// OpenIndex returns the named index, creating it if needed.
func (db *Database) OpenIndex(name string) (*Index, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if ix, ok := db.indexes[name]; ok {
		return ix, nil
	}
	store, err := db.newStore(name)
	if err != nil {
		return nil, errors.Annotatef(err, "open index %q", name)
	}
	db.lastIndexID++
	ix := &Index{db: db, name: name, id: db.lastIndexID, store: store}
	db.indexes[name] = ix
	db.indexesByID[ix.id] = ix
	return ix, nil
}

// NewTemporaryIndex creates an anonymous memory backed index. Temporary
// indexes still lock and fire triggers like any other.
func (db *Database) NewTemporaryIndex() *Index {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastIndexID++
	db.tempCount++
	ix := &Index{
		db:    db,
		name:  fmt.Sprintf("temp.%d", db.tempCount),
		id:    db.lastIndexID,
		store: storage.NewMemStore(),
		temp:  true,
	}
	db.indexesByID[ix.id] = ix
	return ix
}

func (db *Database) indexByID(id uint64) *Index {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.indexesByID[id]
}

// NewTransaction starts a transaction with the default mode and timeout.
func (db *Database) NewTransaction() *Transaction {
	return &Transaction{
		db:      db,
		locker:  db.lockMgr.NewLocker(),
		id:      db.nextTxnID(),
		mode:    ModeUpgradableRead,
		timeout: db.cfg.LockTimeout,
	}
}

// Bogus returns the distinguished transaction which never locks, never fires
// triggers and never records undo. It is not a nil transaction: passing nil
// selects per-operation auto-commit instead.
func (db *Database) Bogus() *Transaction {
	return db.bogus
}

// resolve maps a nil transaction to a fresh auto-commit transaction.
func (db *Database) resolve(txn *Transaction) (*Transaction, bool) {
	if txn != nil {
		return txn, false
	}
	auto := db.NewTransaction()
	auto.auto = true
	return auto, true
}

func (db *Database) nextTxnID() uint64 {
	return db.txnIDs.Inc()
}

func (db *Database) isFragmented(value []byte) bool {
	return len(value) >= db.cfg.FragmentThreshold
}

// Recover restores the transaction id floor from the redo log and sweeps the
// trash. Reports whether any trash existed, meaning the previous process
// crashed with transactions holding pending trash.
func (db *Database) Recover() (hadTrash bool, err error) {
	top := db.redo.TopTxnID()
	for {
		cur := db.txnIDs.Load()
		if top <= cur || db.txnIDs.CAS(cur, top) {
			break
		}
	}
	hadTrash, err = db.trash.EmptyAllTrash(db)
	if err != nil {
		return hadTrash, errors.Annotate(err, "empty trash during recovery")
	}
	if hadTrash {
		log.Warnf("recovery found pending fragmented trash; reclaimed")
	}
	return hadTrash, nil
}

// Close closes every index store and the trash.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for _, ix := range db.indexesByID {
		if err := ix.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.trash != nil {
		if err := db.trash.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
