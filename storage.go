package singlemaster

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStoreKey = errors.New("the store key could not be decoded")
)

// StoreKey identifies a single value holder in a StoreProvider. Type names
// the kind of value kept in the slot and Qualifiers narrow it down further.
type StoreKey struct {
	Type       string   `json:"type"`
	Qualifiers []string `json:"qualifiers,omitempty"`
}

func NewStoreKey(typ string, qualifiers ...string) StoreKey {
	return StoreKey{Type: typ, Qualifiers: append([]string(nil), qualifiers...)}
}

// Encode returns the binary form of the key used by persistent providers.
// The encoding is unambiguous regardless of the characters in the qualifiers.
func (k StoreKey) Encode() []byte {
	parts := make([]string, 0, len(k.Qualifiers)+1)
	parts = append(parts, k.Type)
	parts = append(parts, k.Qualifiers...)
	b, _ := json.Marshal(parts)
	return b
}

// DecodeStoreKey is the inverse of StoreKey.Encode.
func DecodeStoreKey(b []byte) (StoreKey, error) {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil || len(parts) == 0 {
		return StoreKey{}, fmt.Errorf("%w: %q", ErrInvalidStoreKey, b)
	}
	return NewStoreKey(parts[0], parts[1:]...), nil
}

func (k StoreKey) Equal(o StoreKey) bool {
	if k.Type != o.Type || len(k.Qualifiers) != len(o.Qualifiers) {
		return false
	}
	for i := range k.Qualifiers {
		if k.Qualifiers[i] != o.Qualifiers[i] {
			return false
		}
	}
	return true
}

func (k StoreKey) String() string {
	return k.Type + "[" + strings.Join(k.Qualifiers, ",") + "]"
}

// StoreProvider provides durability to the values of the cluster store. Every
// node keeps its own provider and the cluster replicates the mutations made
// through it. Values are opaque byte slices.
type StoreProvider interface {
	// Get returns the value kept for the key. A nil slice without an error is
	// returned if there is no value with that key.
	Get(key StoreKey) ([]byte, error)

	Set(key StoreKey, value []byte) error

	// Remove deletes the value of the key. Removing a missing key is not an error.
	Remove(key StoreKey) error

	// View runs fn within an atomic read scope. No write becomes visible to
	// fn while it is running.
	View(fn func(tx StoreTx) error) error

	// Update runs fn within an atomic write scope. Either every change made
	// by fn is applied or, if fn returns an error, none of them.
	Update(fn func(tx StoreTx) error) error

	// Clear removes every stored value.
	Clear() error
}

// StoreTx is the view of a StoreProvider handed to an atomic scope. It must
// not be used once the scope has returned.
type StoreTx interface {
	Get(key StoreKey) ([]byte, error)
	Set(key StoreKey, value []byte) error
	Remove(key StoreKey) error

	// Keys returns the identifiers of every stored value.
	Keys() ([]StoreKey, error)

	Clear() error
}

// StoreEntry is a single key and value pair of a store snapshot.
type StoreEntry struct {
	Key   StoreKey `json:"key"`
	Value []byte   `json:"value"`
}

// readSnapshot enumerates every entry of the provider within one read scope.
func readSnapshot(p StoreProvider) ([]StoreEntry, error) {
	var entries []StoreEntry
	err := p.View(func(tx StoreTx) error {
		keys, err := tx.Keys()
		if err != nil {
			return err
		}
		entries = make([]StoreEntry, 0, len(keys))
		for _, k := range keys {
			v, err := tx.Get(k)
			if err != nil {
				return err
			}
			if v == nil {
				continue
			}
			entries = append(entries, StoreEntry{Key: k, Value: v})
		}
		return nil
	})
	return entries, err
}

// StoreLoader is implemented by providers that bound the size of a write
// scope. Load replaces the whole content with entries and reports whether it
// did so within a single write scope.
type StoreLoader interface {
	Load(entries []StoreEntry) (whole bool, err error)
}

// replaceAll clears the provider and stores entries within one write scope,
// unless the provider loads snapshots itself. It reports whether readers
// could observe a partially replaced store.
func replaceAll(p StoreProvider, entries []StoreEntry) (partial bool, err error) {
	if l, ok := p.(StoreLoader); ok {
		whole, err := l.Load(entries)
		return !whole, err
	}
	return false, p.Update(func(tx StoreTx) error {
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
}
