package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mathew-Estafanous/singlemaster"
	bolt "go.etcd.io/bbolt"
)

var (
	storeBucket = []byte("store")

	ErrReadOnly = errors.New("the store was opened for reading only")
)

// BoltStore implements the StoreProvider interface using BBolt as the
// underlying storage engine. Every store value is kept in a single bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new store persisted at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storeBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying BBolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Get(key singlemaster.StoreKey) ([]byte, error) {
	var value []byte
	err := b.View(func(tx singlemaster.StoreTx) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	return value, err
}

func (b *BoltStore) Set(key singlemaster.StoreKey, value []byte) error {
	return b.Update(func(tx singlemaster.StoreTx) error {
		return tx.Set(key, value)
	})
}

func (b *BoltStore) Remove(key singlemaster.StoreKey) error {
	return b.Update(func(tx singlemaster.StoreTx) error {
		return tx.Remove(key)
	})
}

// Clear will completely erase all values in the database
func (b *BoltStore) Clear() error {
	return b.Update(func(tx singlemaster.StoreTx) error {
		return tx.Clear()
	})
}

func (b *BoltStore) View(fn func(tx singlemaster.StoreTx) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, bkt: tx.Bucket(storeBucket)})
	})
}

func (b *BoltStore) Update(fn func(tx singlemaster.StoreTx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, bkt: tx.Bucket(storeBucket)})
	})
}

type boltTx struct {
	tx  *bolt.Tx
	bkt *bolt.Bucket
}

// Get copies the value since bolt memory is only valid within the transaction.
func (t *boltTx) Get(key singlemaster.StoreKey) ([]byte, error) {
	val := t.bkt.Get(key.Encode())
	if val == nil {
		return nil, nil
	}
	return append([]byte{}, val...), nil
}

func (t *boltTx) Set(key singlemaster.StoreKey, value []byte) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if value == nil {
		value = []byte{}
	}
	return t.bkt.Put(key.Encode(), value)
}

func (t *boltTx) Remove(key singlemaster.StoreKey) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	return t.bkt.Delete(key.Encode())
}

func (t *boltTx) Keys() ([]singlemaster.StoreKey, error) {
	var raw []string
	err := t.bkt.ForEach(func(k, _ []byte) error {
		raw = append(raw, string(k))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeKeys(raw)
}

func (t *boltTx) Clear() error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if err := t.tx.DeleteBucket(storeBucket); err != nil {
		return err
	}
	bkt, err := t.tx.CreateBucket(storeBucket)
	if err != nil {
		return err
	}
	t.bkt = bkt
	return nil
}
