package store

import (
	"sort"
	"sync"

	"github.com/Mathew-Estafanous/singlemaster"
)

// InMemStore is an implementation of the StoreProvider interface.
// Since it is in-memory, all data is lost on shutdown.
//
// NOTE: This implementation is meant for testing and example use-cases and is NOT meant
// to be used in any production environment.
type InMemStore struct {
	mu sync.RWMutex
	kv map[string][]byte
}

func NewMemStore() *InMemStore {
	return &InMemStore{
		kv: make(map[string][]byte),
	}
}

func (m *InMemStore) Get(key singlemaster.StoreKey) ([]byte, error) {
	var v []byte
	err := m.View(func(tx singlemaster.StoreTx) error {
		var err error
		v, err = tx.Get(key)
		return err
	})
	return v, err
}

func (m *InMemStore) Set(key singlemaster.StoreKey, value []byte) error {
	return m.Update(func(tx singlemaster.StoreTx) error {
		return tx.Set(key, value)
	})
}

func (m *InMemStore) Remove(key singlemaster.StoreKey) error {
	return m.Update(func(tx singlemaster.StoreTx) error {
		return tx.Remove(key)
	})
}

func (m *InMemStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = make(map[string][]byte)
	return nil
}

func (m *InMemStore) View(fn func(tx singlemaster.StoreTx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{base: m.kv})
}

// Update buffers the changes of fn and applies them only when fn succeeds.
func (m *InMemStore) Update(fn func(tx singlemaster.StoreTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{base: m.kv, writes: make(map[string][]byte), writable: true}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.cleared {
		m.kv = make(map[string][]byte)
	}
	for k, v := range tx.writes {
		if v == nil {
			delete(m.kv, k)
		} else {
			m.kv[k] = v
		}
	}
	return nil
}

// memTx reads through its pending writes to the committed values. A nil
// pending value marks a removed key.
type memTx struct {
	base     map[string][]byte
	writes   map[string][]byte
	cleared  bool
	writable bool
}

func (tx *memTx) Get(key singlemaster.StoreKey) ([]byte, error) {
	k := string(key.Encode())
	if v, ok := tx.writes[k]; ok {
		return clone(v), nil
	}
	if tx.cleared {
		return nil, nil
	}
	return clone(tx.base[k]), nil
}

func (tx *memTx) Set(key singlemaster.StoreKey, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	v := clone(value)
	if v == nil {
		v = []byte{}
	}
	tx.writes[string(key.Encode())] = v
	return nil
}

func (tx *memTx) Remove(key singlemaster.StoreKey) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.writes[string(key.Encode())] = nil
	return nil
}

func (tx *memTx) Keys() ([]singlemaster.StoreKey, error) {
	seen := make(map[string]bool)
	if !tx.cleared {
		for k := range tx.base {
			seen[k] = true
		}
	}
	for k, v := range tx.writes {
		seen[k] = v != nil
	}

	raw := make([]string, 0, len(seen))
	for k, ok := range seen {
		if ok {
			raw = append(raw, k)
		}
	}
	sort.Strings(raw)
	return decodeKeys(raw)
}

func (tx *memTx) Clear() error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.cleared = true
	tx.writes = make(map[string][]byte)
	return nil
}

func decodeKeys(raw []string) ([]singlemaster.StoreKey, error) {
	keys := make([]singlemaster.StoreKey, 0, len(raw))
	for _, k := range raw {
		key, err := singlemaster.DecodeStoreKey([]byte(k))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
