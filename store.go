package singlemaster

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// Store is a typed view of a single value holder of the cluster store. The
// value is serialized as JSON before it reaches the StoreProvider.
//
// Reads are served from the local provider. Writes block until the cluster is
// available and are then carried through the master to every reachable slave.
type Store[T any] struct {
	c   *Cluster
	key StoreKey
}

// GetClusterStore returns the store holding a value of type T. Stores of the
// same type are told apart by their qualifiers.
func GetClusterStore[T any](c *Cluster, qualifiers ...string) *Store[T] {
	return &Store[T]{
		c:   c,
		key: NewStoreKey(reflect.TypeFor[T]().String(), qualifiers...),
	}
}

func (s *Store[T]) Key() StoreKey {
	return s.key
}

// Get returns the local value of the store and whether one is set.
func (s *Store[T]) Get() (T, bool, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()

	var v T
	b, err := s.c.store.Get(s.key)
	if err != nil {
		return v, false, fmt.Errorf("get %v: %w", s.key, err)
	}
	if b == nil {
		return v, false, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, fmt.Errorf("decode %v: %w", s.key, err)
	}
	return v, true, nil
}

// Set replaces the value of the store.
func (s *Store[T]) Set(ctx context.Context, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %v: %w", s.key, err)
	}
	return s.c.write(ctx, s.key, func([]byte) ([]byte, bool, error) {
		return b, false, nil
	})
}

// Remove clears the value of the store.
func (s *Store[T]) Remove(ctx context.Context) error {
	return s.c.write(ctx, s.key, func([]byte) ([]byte, bool, error) {
		return nil, true, nil
	})
}

// Update replaces the value of the store with the result of fn, which gets
// the current value and whether one is set. The read and the write are done
// atomically with regard to every other write made through the local server.
// Returning an error from fn aborts the update.
func (s *Store[T]) Update(ctx context.Context, fn func(cur T, ok bool) (T, error)) error {
	return s.c.write(ctx, s.key, func(cur []byte) ([]byte, bool, error) {
		var v T
		ok := cur != nil
		if ok {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, false, fmt.Errorf("decode %v: %w", s.key, err)
			}
		}
		next, err := fn(v, ok)
		if err != nil {
			return nil, false, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("encode %v: %w", s.key, err)
		}
		return b, false, nil
	})
}

// StoreMap is a map view over a single store. Every mutation rewrites the
// whole map.
type StoreMap[K comparable, V any] struct {
	s *Store[map[K]V]
}

// GetClusterStoreMap returns the store holding a map of K to V.
func GetClusterStoreMap[K comparable, V any](c *Cluster, qualifiers ...string) *StoreMap[K, V] {
	return &StoreMap[K, V]{s: GetClusterStore[map[K]V](c, qualifiers...)}
}

func (m *StoreMap[K, V]) Key() StoreKey {
	return m.s.Key()
}

func (m *StoreMap[K, V]) Get(k K) (V, bool, error) {
	all, _, err := m.s.Get()
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := all[k]
	return v, ok, nil
}

// All returns a copy of the whole map. The map is empty, not nil, when the
// store is not set.
func (m *StoreMap[K, V]) All() (map[K]V, error) {
	all, _, err := m.s.Get()
	if err != nil {
		return nil, err
	}
	if all == nil {
		all = make(map[K]V)
	}
	return all, nil
}

func (m *StoreMap[K, V]) Len() (int, error) {
	all, _, err := m.s.Get()
	return len(all), err
}

func (m *StoreMap[K, V]) Keys() ([]K, error) {
	all, _, err := m.s.Get()
	if err != nil {
		return nil, err
	}
	return slices.Collect(maps.Keys(all)), nil
}

func (m *StoreMap[K, V]) Put(ctx context.Context, k K, v V) error {
	return m.s.Update(ctx, func(cur map[K]V, _ bool) (map[K]V, error) {
		if cur == nil {
			cur = make(map[K]V)
		}
		cur[k] = v
		return cur, nil
	})
}

func (m *StoreMap[K, V]) Delete(ctx context.Context, k K) error {
	return m.s.Update(ctx, func(cur map[K]V, _ bool) (map[K]V, error) {
		delete(cur, k)
		if cur == nil {
			cur = make(map[K]V)
		}
		return cur, nil
	})
}

// Clear removes the whole map from the store.
func (m *StoreMap[K, V]) Clear(ctx context.Context) error {
	return m.s.Remove(ctx)
}
