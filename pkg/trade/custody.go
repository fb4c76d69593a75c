package trade

import "github.com/ethereum/go-ethereum/common"

// Custody is the narrow interface to the external card registry. The engine
// never mints or inspects card metadata; it only checks ownership and moves
// cards between parties and its own escrow address.
type Custody interface {
	// OwnerOf returns the current owner of a card, or an error for an
	// unknown card.
	OwnerOf(cardID uint64) (common.Address, error)
	// Transfer moves a card between parties. Fails if from is not the
	// current owner or the registry otherwise refuses the transfer.
	Transfer(from, to common.Address, cardID uint64) error
}

// FundDispatcher pays withdrawn balances out on the external payment rail.
// Dispatch may hand control to recipient-supplied code; the engine only
// invokes it after its own state is in a safe terminal shape.
type FundDispatcher interface {
	Dispatch(to common.Address, amount int64) error
}

// DispatcherFunc adapts a function to the FundDispatcher interface.
type DispatcherFunc func(to common.Address, amount int64) error

func (f DispatcherFunc) Dispatch(to common.Address, amount int64) error { return f(to, amount) }
