// Package cards is an in-memory card ownership registry. The real registry
// is an external system; this implementation backs the devnet node and the
// test suite through the same narrow custody interface the engine consumes.
package cards

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type Registry struct {
	mu     sync.RWMutex
	owners map[uint64]common.Address
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[uint64]common.Address)}
}

// Mint creates a card owned by owner. Fails if the card already exists.
func (r *Registry) Mint(owner common.Address, cardID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[cardID]; exists {
		return fmt.Errorf("card %d already minted", cardID)
	}
	r.owners[cardID] = owner
	return nil
}

// OwnerOf returns the current owner of a card.
func (r *Registry) OwnerOf(cardID uint64) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[cardID]
	if !ok {
		return common.Address{}, fmt.Errorf("unknown card %d", cardID)
	}
	return owner, nil
}

// Transfer moves a card from its current owner to another party. Fails if
// from is not the current owner.
func (r *Registry) Transfer(from, to common.Address, cardID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, ok := r.owners[cardID]
	if !ok {
		return fmt.Errorf("unknown card %d", cardID)
	}
	if owner != from {
		return fmt.Errorf("card %d not owned by %s", cardID, from.Hex())
	}
	r.owners[cardID] = to
	return nil
}

// Count returns the number of minted cards.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
