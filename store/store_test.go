package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Mathew-Estafanous/singlemaster"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerFactory struct {
	name string
	open func(t *testing.T) singlemaster.StoreProvider
}

func providers() []providerFactory {
	return []providerFactory{
		{
			name: "Memory",
			open: func(t *testing.T) singlemaster.StoreProvider {
				return NewMemStore()
			},
		},
		{
			name: "Bolt",
			open: func(t *testing.T) singlemaster.StoreProvider {
				s, err := NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
				require.NoError(t, err, "Failed to create BoltStore")
				t.Cleanup(func() {
					assert.NoError(t, s.Close())
				})
				return s
			},
		},
		{
			name: "Badger",
			open: func(t *testing.T) singlemaster.StoreProvider {
				s, err := NewInMemBadgerStore()
				require.NoError(t, err, "Failed to create BadgerStore")
				t.Cleanup(func() {
					assert.NoError(t, s.Close())
				})
				return s
			},
		},
	}
}

var (
	nameKey  = singlemaster.NewStoreKey("string", "name")
	countKey = singlemaster.NewStoreKey("int", "count")
	otherKey = singlemaster.NewStoreKey("int", "count", "other")
)

func TestProvider_SetGetRemove(t *testing.T) {
	for _, p := range providers() {
		t.Run(p.name, func(t *testing.T) {
			s := p.open(t)

			v, err := s.Get(nameKey)
			require.NoError(t, err)
			assert.Nil(t, v, "Missing keys return nil")

			require.NoError(t, s.Set(nameKey, []byte(`"alice"`)))
			v, err = s.Get(nameKey)
			require.NoError(t, err)
			assert.Equal(t, []byte(`"alice"`), v)

			require.NoError(t, s.Set(nameKey, []byte(`"bob"`)))
			v, err = s.Get(nameKey)
			require.NoError(t, err)
			assert.Equal(t, []byte(`"bob"`), v)

			require.NoError(t, s.Remove(nameKey))
			v, err = s.Get(nameKey)
			require.NoError(t, err)
			assert.Nil(t, v)

			assert.NoError(t, s.Remove(nameKey), "Removing a missing key is not an error")
		})
	}
}

func TestProvider_KeysAreDistinct(t *testing.T) {
	for _, p := range providers() {
		t.Run(p.name, func(t *testing.T) {
			s := p.open(t)
			require.NoError(t, s.Set(countKey, []byte("1")))
			require.NoError(t, s.Set(otherKey, []byte("2")))

			var keys []singlemaster.StoreKey
			err := s.View(func(tx singlemaster.StoreTx) error {
				var err error
				keys, err = tx.Keys()
				return err
			})
			require.NoError(t, err)
			require.Len(t, keys, 2)

			found := 0
			for _, k := range keys {
				if k.Equal(countKey) || k.Equal(otherKey) {
					found++
				}
			}
			assert.Equal(t, 2, found)
		})
	}
}

func TestProvider_UpdateIsAtomic(t *testing.T) {
	for _, p := range providers() {
		t.Run(p.name, func(t *testing.T) {
			s := p.open(t)
			require.NoError(t, s.Set(countKey, []byte("1")))

			failure := errors.New("abort")
			err := s.Update(func(tx singlemaster.StoreTx) error {
				if err := tx.Set(countKey, []byte("2")); err != nil {
					return err
				}
				if err := tx.Set(nameKey, []byte(`"x"`)); err != nil {
					return err
				}
				return failure
			})
			require.ErrorIs(t, err, failure)

			v, err := s.Get(countKey)
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), v, "Aborted updates leave no trace")
			v, err = s.Get(nameKey)
			require.NoError(t, err)
			assert.Nil(t, v)

			err = s.Update(func(tx singlemaster.StoreTx) error {
				cur, err := tx.Get(countKey)
				if err != nil {
					return err
				}
				return tx.Set(countKey, append(cur, '0'))
			})
			require.NoError(t, err)
			v, err = s.Get(countKey)
			require.NoError(t, err)
			assert.Equal(t, []byte("10"), v)
		})
	}
}

func TestProvider_ClearWithinUpdate(t *testing.T) {
	for _, p := range providers() {
		t.Run(p.name, func(t *testing.T) {
			s := p.open(t)
			require.NoError(t, s.Set(countKey, []byte("1")))
			require.NoError(t, s.Set(otherKey, []byte("2")))

			err := s.Update(func(tx singlemaster.StoreTx) error {
				if err := tx.Clear(); err != nil {
					return err
				}
				if v, err := tx.Get(countKey); err != nil || v != nil {
					return errors.New("cleared value still visible")
				}
				return tx.Set(nameKey, []byte(`"carol"`))
			})
			require.NoError(t, err)

			var keys []singlemaster.StoreKey
			require.NoError(t, s.View(func(tx singlemaster.StoreTx) error {
				var err error
				keys, err = tx.Keys()
				return err
			}))
			require.Len(t, keys, 1)
			assert.True(t, keys[0].Equal(nameKey))

			require.NoError(t, s.Clear())
			v, err := s.Get(nameKey)
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestProvider_ViewIsReadOnly(t *testing.T) {
	for _, p := range providers() {
		t.Run(p.name, func(t *testing.T) {
			s := p.open(t)
			err := s.View(func(tx singlemaster.StoreTx) error {
				return tx.Set(nameKey, []byte(`"dave"`))
			})
			assert.Error(t, err)
		})
	}
}

func TestNewBoltStore(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "boltstore-test-*")
	require.NoError(t, err, "Failed to create temp directory")
	defer func() {
		err = os.RemoveAll(tempDir)
		assert.NoError(t, err)
	}()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{
			name:    "Valid path",
			path:    filepath.Join(tempDir, "valid.db"),
			wantErr: false,
		},
		{
			name:    "Nested path",
			path:    filepath.Join(tempDir, "nested", "valid.db"),
			wantErr: false,
		},
		{
			name:    "Path is a directory",
			path:    tempDir,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewBoltStore(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestBoltStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(nameKey, []byte(`"erin"`)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(nameKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"erin"`), v)
}

func TestBadgerStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(nameKey, []byte(`"frank"`)))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(nameKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"frank"`), v)
}

func TestBadgerStore_LoadBeyondTransactionLimit(t *testing.T) {
	// Small memtables bound a transaction to roughly 150KB.
	s, err := openBadger(badger.DefaultOptions("").
		WithInMemory(true).
		WithMemTableSize(1 << 20).
		WithValueThreshold(1 << 10))
	require.NoError(t, err)
	defer s.Close()

	whole, err := s.Load([]singlemaster.StoreEntry{{Key: nameKey, Value: []byte(`"stale"`)}})
	require.NoError(t, err)
	assert.True(t, whole)

	value := bytes.Repeat([]byte("x"), 512)
	entries := make([]singlemaster.StoreEntry, 2000)
	for i := range entries {
		entries[i] = singlemaster.StoreEntry{Key: singlemaster.NewStoreKey("string", strconv.Itoa(i)), Value: value}
	}
	err = s.Update(func(tx singlemaster.StoreTx) error {
		for _, e := range entries {
			if err := tx.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
	require.ErrorIs(t, err, badger.ErrTxnTooBig)

	whole, err = s.Load(entries)
	require.NoError(t, err)
	assert.False(t, whole)

	v, err := s.Get(nameKey)
	require.NoError(t, err)
	assert.Nil(t, v)

	err = s.View(func(tx singlemaster.StoreTx) error {
		keys, err := tx.Keys()
		if err != nil {
			return err
		}
		assert.Len(t, keys, len(entries))
		return nil
	})
	require.NoError(t, err)

	v, err = s.Get(entries[1999].Key)
	require.NoError(t, err)
	assert.Equal(t, value, v)
}
