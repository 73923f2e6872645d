// Package store persists relayer state (clients, handshakes, cursors)
// across restarts on a cometbft-db backend.
package store

import (
	"encoding/json"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// Store is a JSON-valued key-value table over a dbm.DB.
type Store struct {
	db dbm.DB
}

// New opens the on-disk store under home. The database directory is created
// on first use.
func New(home string) (*Store, error) {
	db, err := dbm.NewGoLevelDB("aggrelayer", home)
	if err != nil {
		return nil, fmt.Errorf("open state db under %s: %w", home, err)
	}
	return &Store{db: db}, nil
}

// NewMem returns an in-memory store. Used by tests and dry runs.
func NewMem() *Store {
	return &Store{db: dbm.NewMemDB()}
}

func (s *Store) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.SetSync([]byte(key), raw)
}

func (s *Store) Get(key string, v any) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (s *Store) Delete(key string) error {
	return s.db.DeleteSync([]byte(key))
}

// List visits every key under prefix in ascending key order.
func (s *Store) List(prefix string, fn func(key string, raw []byte) error) error {
	start := []byte(prefix)
	it, err := s.db.Iterator(start, prefixEnd(start))
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(string(it.Key()), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when the prefix is all 0xff.
func prefixEnd(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
