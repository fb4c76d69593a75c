// Package listing holds fixed-price listing state per card. The settlement
// engine owns all lifecycle semantics; this package is the record type and
// its persistence.
package listing

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cardex-io/cardex/pkg/storage"
)

// Listing is the fixed-price sale record for one card. While Active, the
// engine escrow address holds custody of the card and Price is positive.
// Listings are deactivated on unlist or buy, never deleted.
type Listing struct {
	CardID uint64         `json:"cardId"`
	Seller common.Address `json:"seller"`
	Price  int64          `json:"price"` // minor units
	Active bool           `json:"active"`
}

// Registry caches listings in memory and writes through to Pebble.
//
// Get and Put copy records across the registry boundary, so a cached struct
// is never aliased outside it. Queries run without the engine's operation
// marker and must never share a struct with an in-flight mutation.
type Registry struct {
	mu       sync.RWMutex
	listings map[uint64]*Listing
	store    *storage.Store
}

func NewRegistry(store *storage.Store) *Registry {
	return &Registry{
		listings: make(map[uint64]*Listing),
		store:    store,
	}
}

// Get returns a copy of the listing for a card, or nil if none was ever
// created. Loads from the store on cache miss. Callers may mutate the
// returned struct freely and hand it back through Put.
func (r *Registry) Get(cardID uint64) *Listing {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.listings[cardID]; ok {
		cp := *l
		return &cp
	}

	data, err := r.store.Get(storage.ListingKey(cardID))
	if err != nil || data == nil {
		return nil
	}
	var l Listing
	if err := storage.DecodeJSON(data, &l); err != nil {
		return nil
	}
	r.listings[cardID] = &l
	cp := l
	return &cp
}

// Put persists a listing (insert or overwrite). The cache keeps its own
// copy, so later mutations of the argument do not leak into readers.
func (r *Registry) Put(l *Listing) error {
	data, err := storage.EncodeJSON(l)
	if err != nil {
		return fmt.Errorf("failed to marshal listing: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(storage.ListingKey(l.CardID), data); err != nil {
		return fmt.Errorf("failed to persist listing: %w", err)
	}
	cp := *l
	r.listings[l.CardID] = &cp
	return nil
}

// Remove deletes a card's listing record entirely. Only used to roll back a
// listing that never became externally visible.
func (r *Registry) Remove(cardID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(storage.ListingKey(cardID)); err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	delete(r.listings, cardID)
	return nil
}
