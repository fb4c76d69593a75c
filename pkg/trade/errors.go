package trade

import (
	"errors"

	"github.com/cardex-io/cardex/pkg/trade/ledger"
)

// Every precondition violation surfaces as one of these named conditions,
// never a generic failure. All of them leave engine state unchanged.
var (
	ErrPaused    = errors.New("engine is paused")
	ErrNotAdmin  = errors.New("caller is not the admin")
	ErrReentrant = errors.New("reentrant call into engine")

	ErrNotCardOwner        = errors.New("caller does not own the card")
	ErrPriceMustBePositive = errors.New("price must be positive")
	ErrAlreadyListed       = errors.New("card is already listed")
	ErrNotListed           = errors.New("card is not listed")
	ErrNotSeller           = errors.New("caller is not the seller")
	ErrInsufficientPayment = errors.New("payment is insufficient")

	ErrInvalidStartingPrice     = errors.New("starting price must be positive")
	ErrDurationTooShort         = errors.New("auction duration below minimum")
	ErrDurationTooLong          = errors.New("auction duration above maximum")
	ErrAuctionAlreadyExists     = errors.New("unsettled auction already exists for card")
	ErrAuctionEnded             = errors.New("auction has ended")
	ErrAuctionNotEnded          = errors.New("auction has not ended")
	ErrAuctionAlreadySettled    = errors.New("auction is already settled")
	ErrBidBelowStartingPrice    = errors.New("bid below starting price")
	ErrBidBelowMinimumIncrement = errors.New("bid below minimum increment")
	ErrInvalidCommitment        = errors.New("commitment does not match reveal")

	// Re-exported from the ledger so callers match one error value
	// regardless of which layer raised it.
	ErrNothingToWithdraw = ledger.ErrNothingToWithdraw
	ErrTransferFailed    = ledger.ErrTransferFailed
)
