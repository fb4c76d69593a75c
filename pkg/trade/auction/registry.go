package auction

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cardex-io/cardex/pkg/crypto"
	"github.com/cardex-io/cardex/pkg/storage"
)

// Registry caches auctions and bid commitments in memory and writes through
// to Pebble. At most one auction record exists per card; a new auction
// overwrites the previous one only after it settled.
//
// Get and Put copy records across the registry boundary, so a cached struct
// is never aliased outside it. Queries run without the engine's operation
// marker and must never share a struct with an in-flight mutation.
type Registry struct {
	mu       sync.RWMutex
	auctions map[uint64]*Auction
	store    *storage.Store
}

func NewRegistry(store *storage.Store) *Registry {
	return &Registry{
		auctions: make(map[uint64]*Auction),
		store:    store,
	}
}

// Get returns a copy of the auction record for a card, or nil if none was
// ever created. Loads from the store on cache miss. Callers may mutate the
// returned struct freely and hand it back through Put.
func (r *Registry) Get(cardID uint64) *Auction {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.auctions[cardID]; ok {
		return clone(a)
	}

	data, err := r.store.Get(storage.AuctionKey(cardID))
	if err != nil || data == nil {
		return nil
	}
	var a Auction
	if err := storage.DecodeJSON(data, &a); err != nil {
		return nil
	}
	r.auctions[cardID] = &a
	return clone(&a)
}

func clone(a *Auction) *Auction {
	cp := *a
	if a.HighestBidder != nil {
		b := *a.HighestBidder
		cp.HighestBidder = &b
	}
	return &cp
}

// Put persists an auction (insert or overwrite). The cache keeps its own
// copy, so later mutations of the argument do not leak into readers.
func (r *Registry) Put(a *Auction) error {
	data, err := storage.EncodeJSON(a)
	if err != nil {
		return fmt.Errorf("failed to marshal auction: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(storage.AuctionKey(a.CardID), data); err != nil {
		return fmt.Errorf("failed to persist auction: %w", err)
	}
	r.auctions[a.CardID] = clone(a)
	return nil
}

// Remove deletes a card's auction record entirely. Only used to roll back
// an auction that never became externally visible.
func (r *Registry) Remove(cardID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(storage.AuctionKey(cardID)); err != nil {
		return fmt.Errorf("failed to delete auction: %w", err)
	}
	delete(r.auctions, cardID)
	return nil
}

// Commitment returns the live commitment for (card, bidder), if any.
// Commitments are few and short-lived, so they are read straight from the
// store rather than cached.
func (r *Registry) Commitment(cardID uint64, bidder common.Address) (crypto.Commitment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := r.store.Get(storage.CommitKey(cardID, bidder))
	if err != nil || data == nil {
		return crypto.Commitment{}, false
	}

	var hexStr string
	if err := storage.DecodeJSON(data, &hexStr); err != nil {
		return crypto.Commitment{}, false
	}
	c, err := crypto.ParseCommitment(hexStr)
	if err != nil {
		return crypto.Commitment{}, false
	}
	return c, true
}

// PutCommitment stores a commitment for (card, bidder); a later commit
// overwrites the previous one.
func (r *Registry) PutCommitment(cardID uint64, bidder common.Address, c crypto.Commitment) error {
	data, err := storage.EncodeJSON(c.Hex())
	if err != nil {
		return fmt.Errorf("failed to marshal commitment: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(storage.CommitKey(cardID, bidder), data); err != nil {
		return fmt.Errorf("failed to persist commitment: %w", err)
	}
	return nil
}

// ClearCommitment removes a commitment after a successful reveal
// (commitments are single-use).
func (r *Registry) ClearCommitment(cardID uint64, bidder common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Delete(storage.CommitKey(cardID, bidder)); err != nil {
		return fmt.Errorf("failed to delete commitment: %w", err)
	}
	return nil
}
