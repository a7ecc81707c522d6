package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the StoreProvider interface using BadgerDB. A single
// transaction is bounded by the memtable size, see Load for snapshots above
// that limit.
type BadgerStore struct {
	db   *badger.DB
	quit chan struct{}
}

// NewBadgerStore opens a store persisted in dataDir.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dataDir))
}

// NewInMemBadgerStore opens a store that is never written to disk.
func NewInMemBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	opts = opts.
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{db: db, quit: make(chan struct{})}
	if !opts.InMemory {
		go s.runGC()
	}
	return s, nil
}

// runGC reclaims the value log space of overwritten values periodically.
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.quit:
			return
		}
	}
}

func (s *BadgerStore) Close() error {
	close(s.quit)
	return s.db.Close()
}

func (s *BadgerStore) Get(key singlemaster.StoreKey) ([]byte, error) {
	var value []byte
	err := s.View(func(tx singlemaster.StoreTx) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	return value, err
}

func (s *BadgerStore) Set(key singlemaster.StoreKey, value []byte) error {
	return s.Update(func(tx singlemaster.StoreTx) error {
		return tx.Set(key, value)
	})
}

func (s *BadgerStore) Remove(key singlemaster.StoreKey) error {
	return s.Update(func(tx singlemaster.StoreTx) error {
		return tx.Remove(key)
	})
}

// Clear drops every value of the database.
func (s *BadgerStore) Clear() error {
	return s.db.DropAll()
}

// Load replaces the content of the database with entries within a single
// transaction. When the entries do not fit in one transaction every value is
// dropped and the entries are written in batches, readers may then observe a
// partially loaded store.
func (s *BadgerStore) Load(entries []singlemaster.StoreEntry) (bool, error) {
	err := s.Update(func(tx singlemaster.StoreTx) error {
		if err := tx.Clear(); err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return true, err
	}

	if err := s.db.DropAll(); err != nil {
		return false, fmt.Errorf("drop before batched load: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := wb.Set(e.Key.Encode(), append([]byte{}, e.Value...)); err != nil {
			return false, err
		}
	}
	return false, wb.Flush()
}

func (s *BadgerStore) View(fn func(tx singlemaster.StoreTx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (s *BadgerStore) Update(fn func(tx singlemaster.StoreTx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, writable: true})
	})
}

type badgerTx struct {
	txn      *badger.Txn
	writable bool
}

func (t *badgerTx) Get(key singlemaster.StoreKey) ([]byte, error) {
	item, err := t.txn.Get(key.Encode())
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *badgerTx) Set(key singlemaster.StoreKey, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.txn.Set(key.Encode(), append([]byte{}, value...))
}

func (t *badgerTx) Remove(key singlemaster.StoreKey) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.txn.Delete(key.Encode())
}

func (t *badgerTx) Keys() ([]singlemaster.StoreKey, error) {
	raw, err := t.rawKeys()
	if err != nil {
		return nil, err
	}
	return decodeKeys(raw)
}

func (t *badgerTx) rawKeys() ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var raw []string
	for it.Rewind(); it.Valid(); it.Next() {
		raw = append(raw, string(it.Item().KeyCopy(nil)))
	}
	return raw, nil
}

// Clear deletes the keys one by one so that it stays part of the
// transaction.
func (t *badgerTx) Clear() error {
	if !t.writable {
		return ErrReadOnly
	}
	raw, err := t.rawKeys()
	if err != nil {
		return err
	}
	for _, k := range raw {
		if err := t.txn.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}
