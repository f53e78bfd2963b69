package storage

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/tupldb/tuplkv/kv/config"
)

// BadgerStore is a badger backed Store, one database per store. Each index
// and the trash get their own subdirectory under the configured path.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// CreateDB opens a badger database under subPath, applying the engine tuning
// from conf.
func CreateDB(subPath string, conf *config.Engine) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.ValueLogWriteOptions.WriteBufferSize = 4 * 1024 * 1024
	opts.Dir = filepath.Join(conf.DBPath, subPath)
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = conf.VlogFileSize
	opts.MaxTableSize = conf.MaxTableSize
	opts.NumMemtables = conf.NumMemTables
	opts.SyncWrites = conf.SyncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}

// NewBadgerStore opens a store under subPath.
func NewBadgerStore(subPath string, conf *config.Engine) (*BadgerStore, error) {
	db, err := CreateDB(subPath, conf)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, path: filepath.Join(conf.DBPath, subPath)}, nil
}

func (bs *BadgerStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, errors.WithStack(err)
}

func (bs *BadgerStore) Put(key, value []byte) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	return errors.WithStack(err)
}

func (bs *BadgerStore) Delete(key []byte) error {
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	return errors.WithStack(err)
}

func (bs *BadgerStore) NewIterator() Iterator {
	return &badgerIterator{db: bs.db}
}

func (bs *BadgerStore) Close() error {
	return errors.WithStack(bs.db.Close())
}

// Destroy closes the store and removes its files.
func (bs *BadgerStore) Destroy() error {
	if err := bs.db.Close(); err != nil {
		log.Errorf("close badger store at %s: %v", bs.path, err)
	}
	return errors.WithStack(os.RemoveAll(bs.path))
}

// badgerIterator positions with a short lived read transaction per call and
// captures the entry, so mutations between calls are observed.
type badgerIterator struct {
	db    *badger.DB
	key   []byte
	value []byte
	valid bool
}

func (it *badgerIterator) position(target []byte, reverse, skipEqual bool) {
	it.valid = false
	txn := it.db.NewTransaction(false)
	defer txn.Discard()
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	iter := txn.NewIterator(opts)
	defer iter.Close()
	if target == nil {
		// Rewind positions at the smallest key, or the largest in reverse.
		iter.Rewind()
	} else {
		iter.Seek(target)
		if skipEqual && iter.Valid() && bytes.Equal(iter.Item().Key(), target) {
			iter.Next()
		}
	}
	if !iter.Valid() {
		return
	}
	item := iter.Item()
	it.key = append(it.key[:0], item.Key()...)
	val, err := item.ValueCopy(nil)
	if err != nil {
		log.Errorf("badger iterator value read: %v", err)
		return
	}
	it.value = val
	it.valid = true
}

func (it *badgerIterator) Seek(target []byte) {
	it.position(target, false, false)
}

func (it *badgerIterator) SeekForPrev(target []byte) {
	it.position(target, true, false)
}

func (it *badgerIterator) SeekToFirst() {
	it.position(nil, false, false)
}

func (it *badgerIterator) SeekToLast() {
	it.position(nil, true, false)
}

func (it *badgerIterator) Next() {
	if !it.valid {
		return
	}
	it.position(it.key, false, true)
}

func (it *badgerIterator) Prev() {
	if !it.valid {
		return
	}
	it.position(it.key, true, true)
}

func (it *badgerIterator) Valid() bool {
	return it.valid
}

func (it *badgerIterator) Key() []byte {
	return it.key
}

func (it *badgerIterator) Value() []byte {
	return it.value
}

func (it *badgerIterator) Close() error {
	it.valid = false
	return nil
}
