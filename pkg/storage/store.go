package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store wraps a single Pebble database holding every persisted table of the
// trading engine: listings, auctions, bid commitments, ledger balances, and
// the event journal. Each table lives under its own key prefix (see keys.go)
// so it stays independently scannable.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the Pebble database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:          32 << 20,                  // 32MB memtable
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		LBaseMaxBytes:         64 << 20,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put writes key → val durably. State transitions of the engine are rare
// relative to reads, so every write is synced.
func (s *Store) Put(key, val []byte) error {
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or (nil, nil) if the key does not exist.
func (s *Store) Get(key []byte) ([]byte, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Scan iterates every key under prefix in lexicographic order and calls fn
// with each key/value pair. Iteration stops at the first error.
func (s *Store) Scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
