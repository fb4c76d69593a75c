// Package trade implements the card trading settlement engine: fixed-price
// listings, timed ascending-bid auctions with a commit-reveal path, and the
// pull-payment ledger. The engine exclusively owns all registry and ledger
// state; every externally invoked operation runs as one atomic unit with no
// partial effect visible on failure.
package trade

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cardex-io/cardex/pkg/crypto"
	"github.com/cardex-io/cardex/pkg/trade/auction"
	"github.com/cardex-io/cardex/pkg/trade/ledger"
	"github.com/cardex-io/cardex/pkg/trade/listing"
	"github.com/cardex-io/cardex/pkg/util"
)

// Config carries the engine's tunable policy knobs. Zero fields fall back
// to the defaults below.
type Config struct {
	Admin  common.Address // only identity allowed to pause/unpause
	Escrow common.Address // custody address for cards held by the engine

	MinAuctionDuration time.Duration
	MaxAuctionDuration time.Duration
	ExtensionWindow    time.Duration // anti-sniping reaction window
	IncrementBps       int64         // minimum bid increment in basis points
}

const (
	DefaultMinAuctionDuration = time.Minute
	DefaultMaxAuctionDuration = 30 * 24 * time.Hour
	DefaultExtensionWindow    = 5 * time.Minute
	DefaultIncrementBps       = 500 // 5%
)

func (c Config) withDefaults() Config {
	if c.MinAuctionDuration == 0 {
		c.MinAuctionDuration = DefaultMinAuctionDuration
	}
	if c.MaxAuctionDuration == 0 {
		c.MaxAuctionDuration = DefaultMaxAuctionDuration
	}
	if c.ExtensionWindow == 0 {
		c.ExtensionWindow = DefaultExtensionWindow
	}
	if c.IncrementBps == 0 {
		c.IncrementBps = DefaultIncrementBps
	}
	return c
}

// Engine orchestrates custody transfer, registry mutation, and ledger
// updates for every operation. Operations are single-flight: an invocation
// that overlaps another (nested from a dispatch callback, or concurrent)
// is rejected with ErrReentrant rather than queued, mirroring a serialized
// execution environment with re-entrancy rejection.
type Engine struct {
	cfg        Config
	custody    Custody
	dispatcher FundDispatcher
	ledger     *ledger.Ledger
	listings   *listing.Registry
	auctions   *auction.Registry
	clock      util.Clock
	log        *zap.SugaredLogger
	sink       EventSink

	mu      sync.Mutex // guards entered and paused
	entered bool
	paused  bool
}

// New wires an engine over its collaborators. Any nil logger is replaced
// with a nop logger; sink may be nil when no notifications are consumed.
func New(cfg Config, custody Custody, dispatcher FundDispatcher,
	led *ledger.Ledger, listings *listing.Registry, auctions *auction.Registry,
	clock util.Clock, log *zap.SugaredLogger, sink EventSink) *Engine {

	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		custody:    custody,
		dispatcher: dispatcher,
		ledger:     led,
		listings:   listings,
		auctions:   auctions,
		clock:      clock,
		log:        log,
		sink:       sink,
	}
}

// begin acquires the single-flight operation marker. The returned release
// must be called when the operation finishes. Nested or overlapping calls
// fail with ErrReentrant.
func (e *Engine) begin() (func(), error) {
	e.mu.Lock()
	if e.entered {
		e.mu.Unlock()
		return nil, ErrReentrant
	}
	e.entered = true
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		e.entered = false
		e.mu.Unlock()
	}, nil
}

// beginMutating additionally enforces the global pause gate.
func (e *Engine) beginMutating() (func(), error) {
	release, err := e.begin()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		release()
		return nil, ErrPaused
	}
	return release, nil
}

// ---- fixed-price flow ----

// List escrows a card with the engine and records a fixed-price listing.
func (e *Engine) List(cardID uint64, seller common.Address, price int64) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	// While listed the escrow owns the card, so this check must precede the
	// owner check or a second list could only ever fail as ErrNotCardOwner.
	prev := e.listings.Get(cardID)
	if prev != nil && prev.Active {
		return ErrAlreadyListed
	}
	owner, err := e.custody.OwnerOf(cardID)
	if err != nil {
		return fmt.Errorf("owner lookup for card %d: %w", cardID, err)
	}
	if owner != seller {
		return ErrNotCardOwner
	}
	if price <= 0 {
		return ErrPriceMustBePositive
	}

	lst := &listing.Listing{CardID: cardID, Seller: seller, Price: price, Active: true}
	if err := e.listings.Put(lst); err != nil {
		return err
	}
	if err := e.custody.Transfer(seller, e.cfg.Escrow, cardID); err != nil {
		e.rollbackListing(cardID, prev)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("card_listed", "card", cardID, "seller", seller.Hex(), "price", price)
	e.emit(Event{Type: EventCardListed, CardID: cardID, Seller: addr(seller), Price: price})
	return nil
}

// Unlist deactivates a listing and returns custody to the seller.
func (e *Engine) Unlist(cardID uint64, caller common.Address) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	lst := e.listings.Get(cardID)
	if lst == nil || !lst.Active {
		return ErrNotListed
	}
	if lst.Seller != caller {
		return ErrNotSeller
	}

	prev := *lst
	lst.Active = false
	if err := e.listings.Put(lst); err != nil {
		return err
	}
	if err := e.custody.Transfer(e.cfg.Escrow, lst.Seller, cardID); err != nil {
		e.rollbackListing(cardID, &prev)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("card_unlisted", "card", cardID, "seller", lst.Seller.Hex())
	e.emit(Event{Type: EventCardUnlisted, CardID: cardID, Seller: addr(lst.Seller)})
	return nil
}

// Buy settles a fixed-price sale. All engine state lands before the
// external custody call: the listing is deactivated, proceeds are credited
// to the seller's ledger balance, and overpayment is credited back to the
// buyer (pull refund, never pushed). A refused transfer unwinds the credits
// along with the listing.
func (e *Engine) Buy(cardID uint64, buyer common.Address, payment int64) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	lst := e.listings.Get(cardID)
	if lst == nil || !lst.Active {
		return ErrNotListed
	}
	if payment < lst.Price {
		return ErrInsufficientPayment
	}

	prev := *lst
	lst.Active = false
	if err := e.listings.Put(lst); err != nil {
		return err
	}
	excess := payment - lst.Price
	if err := e.ledger.Credit(lst.Seller, lst.Price); err != nil {
		e.rollbackListing(cardID, &prev)
		return err
	}
	if excess > 0 {
		if err := e.ledger.Credit(buyer, excess); err != nil {
			e.uncredit(lst.Seller, lst.Price)
			e.rollbackListing(cardID, &prev)
			return err
		}
	}
	if err := e.custody.Transfer(e.cfg.Escrow, buyer, cardID); err != nil {
		e.uncredit(lst.Seller, lst.Price)
		if excess > 0 {
			e.uncredit(buyer, excess)
		}
		e.rollbackListing(cardID, &prev)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("card_sold", "card", cardID, "seller", lst.Seller.Hex(),
		"buyer", buyer.Hex(), "price", lst.Price, "payment", payment)
	e.emit(Event{Type: EventCardSold, CardID: cardID, Seller: addr(lst.Seller),
		Buyer: addr(buyer), Price: lst.Price, Amount: payment})
	return nil
}

// rollbackListing restores the pre-operation listing record while the
// operation unwinds. prev == nil means no record existed before.
func (e *Engine) rollbackListing(cardID uint64, prev *listing.Listing) {
	var err error
	if prev == nil {
		err = e.listings.Remove(cardID)
	} else {
		err = e.listings.Put(prev)
	}
	if err != nil {
		e.log.Errorw("listing_rollback_failed", "card", cardID, "err", err)
	}
}

// ---- auction flow ----

// StartAuction escrows a card and opens a timed ascending-bid auction.
func (e *Engine) StartAuction(cardID uint64, seller common.Address, startingPrice int64, duration time.Duration) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	// Checked before ownership for the same reason as in List: an unsettled
	// auction means the escrow owns the card.
	prev := e.auctions.Get(cardID)
	if prev != nil && !prev.Settled {
		return ErrAuctionAlreadyExists
	}
	owner, err := e.custody.OwnerOf(cardID)
	if err != nil {
		return fmt.Errorf("owner lookup for card %d: %w", cardID, err)
	}
	if owner != seller {
		return ErrNotCardOwner
	}
	if startingPrice <= 0 {
		return ErrInvalidStartingPrice
	}
	if duration < e.cfg.MinAuctionDuration {
		return ErrDurationTooShort
	}
	if duration > e.cfg.MaxAuctionDuration {
		return ErrDurationTooLong
	}

	now := e.clock.Now()
	auc := &auction.Auction{
		CardID:        cardID,
		Seller:        seller,
		StartingPrice: startingPrice,
		EndTime:       now.Add(duration),
	}
	if err := e.auctions.Put(auc); err != nil {
		return err
	}
	if err := e.custody.Transfer(seller, e.cfg.Escrow, cardID); err != nil {
		e.rollbackAuction(cardID, prev)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("auction_started", "card", cardID, "seller", seller.Hex(),
		"starting_price", startingPrice, "end_time", auc.EndTime)
	end := auc.EndTime
	e.emit(Event{Type: EventAuctionStarted, CardID: cardID, Seller: addr(seller),
		Price: startingPrice, EndTime: &end})
	return nil
}

// PlaceBid admits a bid against an open auction. The superseded bidder is
// refunded by ledger credit, and a bid landing inside the extension window
// pushes the end time out to now + window so counter-bidders always get a
// minimum reaction window.
func (e *Engine) PlaceBid(cardID uint64, bidder common.Address, amount int64) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	if err := e.placeBid(cardID, bidder, amount); err != nil {
		return err
	}
	e.emitBidPlaced(cardID, bidder, amount)
	return nil
}

// placeBid is the shared admission path for direct and revealed bids.
// Caller holds the operation marker.
func (e *Engine) placeBid(cardID uint64, bidder common.Address, amount int64) error {
	auc := e.auctions.Get(cardID)
	now := e.clock.Now()
	switch auc.StatusAt(now) {
	case auction.StatusNone:
		return ErrNotListed
	case auction.StatusSettled:
		return ErrAuctionAlreadySettled
	case auction.StatusEnded:
		return ErrAuctionEnded
	}
	if amount < auc.StartingPrice {
		return ErrBidBelowStartingPrice
	}
	if amount < auc.MinimumBid(e.cfg.IncrementBps) {
		return ErrBidBelowMinimumIncrement
	}

	// Refund the superseded bidder through the ledger, never directly.
	var refunded *common.Address
	var refund int64
	if auc.HasBid() {
		refunded, refund = auc.HighestBidder, auc.HighestBid
		if err := e.ledger.Credit(*refunded, refund); err != nil {
			return err
		}
	}

	auc.HighestBid = amount
	auc.HighestBidder = &bidder
	if remaining := auc.EndTime.Sub(now); remaining <= e.cfg.ExtensionWindow {
		auc.EndTime = now.Add(e.cfg.ExtensionWindow)
	}
	if err := e.auctions.Put(auc); err != nil {
		if refunded != nil {
			e.uncredit(*refunded, refund)
		}
		return err
	}

	e.log.Infow("bid_placed", "card", cardID, "bidder", bidder.Hex(),
		"amount", amount, "end_time", auc.EndTime)
	return nil
}

func (e *Engine) emitBidPlaced(cardID uint64, bidder common.Address, amount int64) {
	auc := e.auctions.Get(cardID)
	end := auc.EndTime
	e.emit(Event{Type: EventBidPlaced, CardID: cardID, Bidder: addr(bidder),
		Amount: amount, EndTime: &end})
}

// CommitBid stores an opaque commitment for a later reveal. Only the
// auction's existence and timing are validated; the amount stays hidden. A
// later commit by the same bidder overwrites the previous one.
func (e *Engine) CommitBid(cardID uint64, bidder common.Address, commitment crypto.Commitment) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	auc := e.auctions.Get(cardID)
	switch auc.StatusAt(e.clock.Now()) {
	case auction.StatusNone:
		return ErrNotListed
	case auction.StatusSettled:
		return ErrAuctionAlreadySettled
	case auction.StatusEnded:
		return ErrAuctionEnded
	}

	if err := e.auctions.PutCommitment(cardID, bidder, commitment); err != nil {
		return err
	}

	e.log.Infow("bid_committed", "card", cardID, "bidder", bidder.Hex())
	e.emit(Event{Type: EventBidCommitted, CardID: cardID, Bidder: addr(bidder)})
	return nil
}

// PlaceBidReveal opens a stored commitment and admits the revealed bid.
// The recomputed hash must match the stored commitment; payment must cover
// the revealed amount, with any excess credited to the bidder's ledger
// balance. The commitment is cleared only when the whole reveal succeeds,
// so a failed reveal leaves it stored and the operation atomic.
func (e *Engine) PlaceBidReveal(cardID uint64, bidder common.Address, amount int64, nonce crypto.Nonce, payment int64) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	stored, ok := e.auctions.Commitment(cardID, bidder)
	if !ok || stored != crypto.ComputeCommitment(bidder, cardID, amount, nonce) {
		return ErrInvalidCommitment
	}
	if payment < amount {
		return ErrInsufficientPayment
	}

	if err := e.placeBid(cardID, bidder, amount); err != nil {
		return err
	}

	// Single-use: the opened commitment is cleared with the bid applied.
	if err := e.auctions.ClearCommitment(cardID, bidder); err != nil {
		return err
	}
	if excess := payment - amount; excess > 0 {
		if err := e.ledger.Credit(bidder, excess); err != nil {
			return err
		}
	}

	e.emitBidPlaced(cardID, bidder, amount)
	return nil
}

// SettleAuction finalizes an ended auction. Settlement is permissionless:
// any party may call it, so a stalled auction never blocks other cards.
// The settled flag and, with a winner, the seller's credit both land before
// the custody transfer, so every engine effect precedes the external call;
// a refused transfer unwinds both. With no bids the card simply returns to
// the seller.
func (e *Engine) SettleAuction(cardID uint64, caller common.Address) error {
	release, err := e.beginMutating()
	if err != nil {
		return err
	}
	defer release()

	auc := e.auctions.Get(cardID)
	switch auc.StatusAt(e.clock.Now()) {
	case auction.StatusNone:
		return ErrNotListed
	case auction.StatusSettled:
		return ErrAuctionAlreadySettled
	case auction.StatusOpen:
		return ErrAuctionNotEnded
	}

	auc.Settled = true
	if err := e.auctions.Put(auc); err != nil {
		return err
	}

	if !auc.HasBid() {
		// No bids: return custody, no funds move, no notification.
		if err := e.custody.Transfer(e.cfg.Escrow, auc.Seller, cardID); err != nil {
			auc.Settled = false
			e.rollbackAuction(cardID, auc)
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		e.log.Infow("auction_settled_no_bids", "card", cardID, "seller", auc.Seller.Hex())
		return nil
	}

	winner := *auc.HighestBidder
	if err := e.ledger.Credit(auc.Seller, auc.HighestBid); err != nil {
		auc.Settled = false
		e.rollbackAuction(cardID, auc)
		return err
	}
	if err := e.custody.Transfer(e.cfg.Escrow, winner, cardID); err != nil {
		e.uncredit(auc.Seller, auc.HighestBid)
		auc.Settled = false
		e.rollbackAuction(cardID, auc)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.log.Infow("auction_settled", "card", cardID, "seller", auc.Seller.Hex(),
		"winner", winner.Hex(), "amount", auc.HighestBid)
	e.emit(Event{Type: EventAuctionSettled, CardID: cardID, Seller: addr(auc.Seller),
		Winner: addr(winner), Amount: auc.HighestBid})
	return nil
}

// rollbackAuction restores the pre-operation auction record while the
// operation unwinds. prev == nil means no record existed before.
func (e *Engine) rollbackAuction(cardID uint64, prev *auction.Auction) {
	var err error
	if prev == nil {
		err = e.auctions.Remove(cardID)
	} else {
		err = e.auctions.Put(prev)
	}
	if err != nil {
		e.log.Errorw("auction_rollback_failed", "card", cardID, "err", err)
	}
}

// uncredit backs out a speculative ledger credit while unwinding a failed
// operation. The operation marker is still held, so no interleaved credit
// can land between the credit and its removal. Failure is logged only; the
// operation's own error is what propagates.
func (e *Engine) uncredit(party common.Address, amount int64) {
	if err := e.ledger.Uncredit(party, amount); err != nil {
		e.log.Errorw("uncredit_failed", "party", party.Hex(), "amount", amount, "err", err)
	}
}

// ---- ledger flow ----

// Withdraw pays out the caller's full pending balance. The ledger zeroes
// the balance before the dispatcher runs, and this engine's operation
// marker is still held during dispatch, so a nested call into any mutating
// operation fails with ErrReentrant.
func (e *Engine) Withdraw(party common.Address) (int64, error) {
	release, err := e.beginMutating()
	if err != nil {
		return 0, err
	}
	defer release()

	amount, err := e.ledger.Withdraw(party, e.dispatcher.Dispatch)
	if err != nil {
		return 0, err
	}

	e.log.Infow("withdrawal", "party", party.Hex(), "amount", amount)
	e.emit(Event{Type: EventWithdrawal, Party: addr(party), Amount: amount})
	return amount, nil
}

// ---- lifecycle controls ----

// Pause engages the global circuit breaker: every mutating operation fails
// with ErrPaused until Unpause. Admin only.
func (e *Engine) Pause(caller common.Address) error {
	release, err := e.begin()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.cfg.Admin {
		return ErrNotAdmin
	}
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()

	e.log.Warnw("engine_paused", "admin", caller.Hex())
	e.emit(Event{Type: EventEnginePaused, Party: addr(caller)})
	return nil
}

// Unpause releases the circuit breaker. Admin only.
func (e *Engine) Unpause(caller common.Address) error {
	release, err := e.begin()
	if err != nil {
		return err
	}
	defer release()

	if caller != e.cfg.Admin {
		return ErrNotAdmin
	}
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()

	e.log.Infow("engine_unpaused", "admin", caller.Hex())
	e.emit(Event{Type: EventEngineUnpaused, Party: addr(caller)})
	return nil
}

// Paused reports whether the circuit breaker is engaged.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// ---- queries (read-only, no operation marker) ----

// Listing returns a snapshot of a card's listing record.
func (e *Engine) Listing(cardID uint64) (listing.Listing, bool) {
	l := e.listings.Get(cardID)
	if l == nil {
		return listing.Listing{}, false
	}
	return *l, true
}

// Auction returns a snapshot of a card's auction record.
func (e *Engine) Auction(cardID uint64) (auction.Auction, bool) {
	a := e.auctions.Get(cardID)
	if a == nil {
		return auction.Auction{}, false
	}
	return *a, true
}

// AuctionStatus derives the auction's lifecycle state at the current time.
func (e *Engine) AuctionStatus(cardID uint64) auction.Status {
	return e.auctions.Get(cardID).StatusAt(e.clock.Now())
}

// Commitment returns the stored commitment for (card, bidder), if any.
func (e *Engine) Commitment(cardID uint64, bidder common.Address) (crypto.Commitment, bool) {
	return e.auctions.Commitment(cardID, bidder)
}

// Balance returns a party's pending withdrawal balance.
func (e *Engine) Balance(party common.Address) int64 {
	return e.ledger.Balance(party)
}

// MinimumBid returns the smallest acceptable next bid for a card's auction.
func (e *Engine) MinimumBid(cardID uint64) (int64, error) {
	auc := e.auctions.Get(cardID)
	if auc == nil {
		return 0, ErrNotListed
	}
	return auc.MinimumBid(e.cfg.IncrementBps), nil
}

// Now exposes the engine clock (API layer timestamps).
func (e *Engine) Now() time.Time { return e.clock.Now() }
