package trade

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cardex-io/cardex/pkg/cards"
	"github.com/cardex-io/cardex/pkg/crypto"
	"github.com/cardex-io/cardex/pkg/storage"
	"github.com/cardex-io/cardex/pkg/trade/auction"
	"github.com/cardex-io/cardex/pkg/trade/ledger"
	"github.com/cardex-io/cardex/pkg/trade/listing"
	"github.com/cardex-io/cardex/pkg/util"
)

var (
	admin  = common.HexToAddress("0xAD00000000000000000000000000000000000000")
	escrow = common.HexToAddress("0xEE00000000000000000000000000000000000000")
	alice  = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob    = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol  = common.HexToAddress("0xCC00000000000000000000000000000000000000")
)

// recordingDispatcher records payouts and can be told to refuse the next one.
type recordingDispatcher struct {
	payouts  map[common.Address]int64
	failNext bool
	// onDispatch, if set, runs before the payout is recorded. Used to drive
	// re-entrant calls and mid-dispatch credits from tests.
	onDispatch func(to common.Address, amount int64)
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{payouts: make(map[common.Address]int64)}
}

func (d *recordingDispatcher) Dispatch(to common.Address, amount int64) error {
	if d.onDispatch != nil {
		d.onDispatch(to, amount)
	}
	if d.failNext {
		d.failNext = false
		return errors.New("rail refused payout")
	}
	d.payouts[to] += amount
	return nil
}

// failingCustody wraps the card registry and refuses transfers on demand.
// onTransfer, if set, observes each transfer before it applies.
type failingCustody struct {
	*cards.Registry
	failTransfer bool
	onTransfer   func(from, to common.Address, cardID uint64)
}

func (c *failingCustody) Transfer(from, to common.Address, cardID uint64) error {
	if c.onTransfer != nil {
		c.onTransfer(from, to, cardID)
	}
	if c.failTransfer {
		return errors.New("custody refused transfer")
	}
	return c.Registry.Transfer(from, to, cardID)
}

type testEnv struct {
	engine     *Engine
	custody    *failingCustody
	dispatcher *recordingDispatcher
	clock      *util.ManualClock
	events     *[]Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.Open(t.TempDir() + "/trade.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	custody := &failingCustody{Registry: cards.NewRegistry()}
	dispatcher := newRecordingDispatcher()
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	cfg := Config{
		Admin:              admin,
		Escrow:             escrow,
		MinAuctionDuration: time.Minute,
		MaxAuctionDuration: 24 * time.Hour,
		ExtensionWindow:    time.Minute,
		IncrementBps:       500,
	}
	eng := New(cfg, custody, dispatcher,
		ledger.New(store), listing.NewRegistry(store), auction.NewRegistry(store),
		clock, nil, sink)

	return &testEnv{engine: eng, custody: custody, dispatcher: dispatcher, clock: clock, events: &events}
}

func (env *testEnv) mint(t *testing.T, owner common.Address, cardID uint64) {
	t.Helper()
	if err := env.custody.Mint(owner, cardID); err != nil {
		t.Fatalf("mint card %d: %v", cardID, err)
	}
}

func (env *testEnv) owner(t *testing.T, cardID uint64) common.Address {
	t.Helper()
	owner, err := env.custody.OwnerOf(cardID)
	if err != nil {
		t.Fatalf("owner of card %d: %v", cardID, err)
	}
	return owner
}

func (env *testEnv) lastEvent(t *testing.T) Event {
	t.Helper()
	evts := *env.events
	if len(evts) == 0 {
		t.Fatal("no events emitted")
	}
	return evts[len(evts)-1]
}

// TestListEscrowsCard tests that listing moves custody to escrow
func TestListEscrowsCard(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)

	if err := env.engine.List(5, alice, 100); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if got := env.owner(t, 5); got != escrow {
		t.Errorf("card owner = %s, want escrow", got.Hex())
	}

	lst, ok := env.engine.Listing(5)
	if !ok || !lst.Active {
		t.Fatal("expected active listing")
	}
	if lst.Price != 100 || lst.Seller != alice {
		t.Errorf("listing = %+v, want price 100 seller alice", lst)
	}
	if evt := env.lastEvent(t); evt.Type != EventCardListed {
		t.Errorf("event = %s, want %s", evt.Type, EventCardListed)
	}
}

// TestListValidation tests listing preconditions
func TestListValidation(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)

	if err := env.engine.List(5, bob, 100); !errors.Is(err, ErrNotCardOwner) {
		t.Errorf("non-owner list: got %v, want ErrNotCardOwner", err)
	}
	if err := env.engine.List(5, alice, 0); !errors.Is(err, ErrPriceMustBePositive) {
		t.Errorf("zero price: got %v, want ErrPriceMustBePositive", err)
	}
	if err := env.engine.List(5, alice, -10); !errors.Is(err, ErrPriceMustBePositive) {
		t.Errorf("negative price: got %v, want ErrPriceMustBePositive", err)
	}

	if err := env.engine.List(5, alice, 100); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := env.engine.List(5, alice, 200); !errors.Is(err, ErrAlreadyListed) {
		t.Errorf("double list: got %v, want ErrAlreadyListed", err)
	}
	// A third party re-listing an already listed card also sees the
	// listing conflict, not the ownership failure.
	if err := env.engine.List(5, bob, 200); !errors.Is(err, ErrAlreadyListed) {
		t.Errorf("third-party double list: got %v, want ErrAlreadyListed", err)
	}
}

// TestUnlist tests cancelling a listing
func TestUnlist(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)

	if err := env.engine.Unlist(5, bob); !errors.Is(err, ErrNotSeller) {
		t.Errorf("non-seller unlist: got %v, want ErrNotSeller", err)
	}
	if err := env.engine.Unlist(5, alice); err != nil {
		t.Fatalf("unlist failed: %v", err)
	}
	if got := env.owner(t, 5); got != alice {
		t.Errorf("card owner = %s, want alice", got.Hex())
	}
	if err := env.engine.Unlist(5, alice); !errors.Is(err, ErrNotListed) {
		t.Errorf("double unlist: got %v, want ErrNotListed", err)
	}

	// Relist after unlist is allowed
	if err := env.engine.List(5, alice, 120); err != nil {
		t.Fatalf("relist failed: %v", err)
	}
}

// TestBuyWithOverpayment tests the fixed-price sale flow: seller gets the
// price, buyer gets the excess back as a pull refund
func TestBuyWithOverpayment(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)

	if err := env.engine.Buy(5, bob, 150); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if got := env.owner(t, 5); got != bob {
		t.Errorf("card owner = %s, want bob", got.Hex())
	}
	if bal := env.engine.Balance(alice); bal != 100 {
		t.Errorf("seller balance = %d, want 100", bal)
	}
	if bal := env.engine.Balance(bob); bal != 50 {
		t.Errorf("buyer balance = %d, want 50", bal)
	}

	evt := env.lastEvent(t)
	if evt.Type != EventCardSold {
		t.Fatalf("event = %s, want %s", evt.Type, EventCardSold)
	}
	if evt.Price != 100 || evt.Amount != 150 {
		t.Errorf("event price/amount = %d/%d, want 100/150", evt.Price, evt.Amount)
	}

	// Listing gone for purchase purposes
	if err := env.engine.Buy(5, carol, 200); !errors.Is(err, ErrNotListed) {
		t.Errorf("buy sold card: got %v, want ErrNotListed", err)
	}
}

// TestBuyInsufficientPayment tests payment below the asking price
func TestBuyInsufficientPayment(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)

	if err := env.engine.Buy(5, bob, 99); !errors.Is(err, ErrInsufficientPayment) {
		t.Errorf("got %v, want ErrInsufficientPayment", err)
	}
	// Listing untouched
	if lst, ok := env.engine.Listing(5); !ok || !lst.Active {
		t.Error("listing should still be active")
	}
	if bal := env.engine.Balance(alice); bal != 0 {
		t.Errorf("seller balance = %d, want 0", bal)
	}
}

// TestListRollbackOnTransferFailure tests that a refused escrow transfer
// leaves no listing behind
func TestListRollbackOnTransferFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)

	env.custody.failTransfer = true
	err := env.engine.List(5, alice, 100)
	env.custody.failTransfer = false

	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if _, ok := env.engine.Listing(5); ok {
		t.Error("listing should have been rolled back")
	}
	if got := env.owner(t, 5); got != alice {
		t.Errorf("card owner = %s, want alice", got.Hex())
	}
	// Retry succeeds once custody recovers
	if err := env.engine.List(5, alice, 100); err != nil {
		t.Fatalf("retry list failed: %v", err)
	}
}

// TestBuyRollbackOnTransferFailure tests that a refused delivery leaves the
// listing active and no funds credited
func TestBuyRollbackOnTransferFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)

	env.custody.failTransfer = true
	err := env.engine.Buy(5, bob, 150)
	env.custody.failTransfer = false

	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if lst, ok := env.engine.Listing(5); !ok || !lst.Active {
		t.Error("listing should still be active after rollback")
	}
	if bal := env.engine.Balance(alice); bal != 0 {
		t.Errorf("seller balance = %d, want 0", bal)
	}
	if bal := env.engine.Balance(bob); bal != 0 {
		t.Errorf("buyer balance = %d, want 0", bal)
	}
}

// TestStartAuctionValidation tests auction opening preconditions
func TestStartAuctionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)

	if err := env.engine.StartAuction(7, bob, 50, time.Hour); !errors.Is(err, ErrNotCardOwner) {
		t.Errorf("non-owner: got %v, want ErrNotCardOwner", err)
	}
	if err := env.engine.StartAuction(7, alice, 0, time.Hour); !errors.Is(err, ErrInvalidStartingPrice) {
		t.Errorf("zero price: got %v, want ErrInvalidStartingPrice", err)
	}
	if err := env.engine.StartAuction(7, alice, 50, 10*time.Second); !errors.Is(err, ErrDurationTooShort) {
		t.Errorf("short duration: got %v, want ErrDurationTooShort", err)
	}
	if err := env.engine.StartAuction(7, alice, 50, 48*time.Hour); !errors.Is(err, ErrDurationTooLong) {
		t.Errorf("long duration: got %v, want ErrDurationTooLong", err)
	}

	if err := env.engine.StartAuction(7, alice, 50, time.Hour); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := env.owner(t, 7); got != escrow {
		t.Errorf("card owner = %s, want escrow", got.Hex())
	}
	if status := env.engine.AuctionStatus(7); status != auction.StatusOpen {
		t.Errorf("status = %s, want open", status)
	}
	if err := env.engine.StartAuction(7, alice, 60, time.Hour); !errors.Is(err, ErrAuctionAlreadyExists) {
		t.Errorf("double start: got %v, want ErrAuctionAlreadyExists", err)
	}
}

// TestAuctionBidding tests the ascending-bid rules: first bid at starting
// price, later bids at least 5% above the current highest, superseded
// bidders refunded through the ledger
func TestAuctionBidding(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)

	if err := env.engine.PlaceBid(7, bob, 49); !errors.Is(err, ErrBidBelowStartingPrice) {
		t.Errorf("low first bid: got %v, want ErrBidBelowStartingPrice", err)
	}

	env.clock.Advance(10 * time.Second)
	if err := env.engine.PlaceBid(7, bob, 100); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	// Highest is 100, 5% increment: 103 rejected, 105 accepted
	env.clock.Advance(10 * time.Second)
	if err := env.engine.PlaceBid(7, carol, 103); !errors.Is(err, ErrBidBelowMinimumIncrement) {
		t.Errorf("103 bid: got %v, want ErrBidBelowMinimumIncrement", err)
	}
	if min, err := env.engine.MinimumBid(7); err != nil || min != 105 {
		t.Errorf("minimum bid = %d (%v), want 105", min, err)
	}
	if err := env.engine.PlaceBid(7, carol, 105); err != nil {
		t.Fatalf("105 bid failed: %v", err)
	}

	// Bob's superseded 100 is a ledger credit, never a push
	if bal := env.engine.Balance(bob); bal != 100 {
		t.Errorf("superseded bidder balance = %d, want 100", bal)
	}

	auc, _ := env.engine.Auction(7)
	if auc.HighestBid != 105 || auc.HighestBidder == nil || *auc.HighestBidder != carol {
		t.Errorf("highest = %d by %v, want 105 by carol", auc.HighestBid, auc.HighestBidder)
	}
}

// TestAntiSnipingExtension tests that a bid landing inside the extension
// window pushes the end time out to now + window
func TestAntiSnipingExtension(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, 10*time.Minute)
	start := env.clock.Now()

	// Early bid: no extension
	env.clock.Advance(time.Minute)
	env.engine.PlaceBid(7, bob, 50)
	auc, _ := env.engine.Auction(7)
	if !auc.EndTime.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("early bid moved end time to %v", auc.EndTime)
	}

	// Bid with 30s remaining (window is 1m): end pushed to now + 1m
	env.clock.Set(start.Add(9*time.Minute + 30*time.Second))
	if err := env.engine.PlaceBid(7, carol, 60); err != nil {
		t.Fatalf("sniping bid failed: %v", err)
	}
	auc, _ = env.engine.Auction(7)
	want := env.clock.Now().Add(time.Minute)
	if !auc.EndTime.Equal(want) {
		t.Errorf("end time = %v, want %v", auc.EndTime, want)
	}

	// Auction is still open past the original end
	env.clock.Set(start.Add(10*time.Minute + 10*time.Second))
	if status := env.engine.AuctionStatus(7); status != auction.StatusOpen {
		t.Errorf("status = %s, want open (extended)", status)
	}

	// Past the extended end it is over
	env.clock.Advance(time.Hour)
	if err := env.engine.PlaceBid(7, bob, 100); !errors.Is(err, ErrAuctionEnded) {
		t.Errorf("late bid: got %v, want ErrAuctionEnded", err)
	}
}

// TestSettleWithWinner tests settlement with a highest bidder
func TestSettleWithWinner(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)
	env.engine.PlaceBid(7, bob, 80)

	if err := env.engine.SettleAuction(7, carol); !errors.Is(err, ErrAuctionNotEnded) {
		t.Errorf("early settle: got %v, want ErrAuctionNotEnded", err)
	}

	env.clock.Advance(2 * time.Hour)
	// Settlement is permissionless; carol settles an auction she is not in
	if err := env.engine.SettleAuction(7, carol); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if got := env.owner(t, 7); got != bob {
		t.Errorf("card owner = %s, want winner bob", got.Hex())
	}
	if bal := env.engine.Balance(alice); bal != 80 {
		t.Errorf("seller balance = %d, want 80", bal)
	}
	if status := env.engine.AuctionStatus(7); status != auction.StatusSettled {
		t.Errorf("status = %s, want settled", status)
	}
	if err := env.engine.SettleAuction(7, carol); !errors.Is(err, ErrAuctionAlreadySettled) {
		t.Errorf("double settle: got %v, want ErrAuctionAlreadySettled", err)
	}

	// A settled auction frees the card for a new one
	if err := env.engine.StartAuction(7, bob, 10, time.Hour); err != nil {
		t.Fatalf("new auction on settled card failed: %v", err)
	}
}

// TestSettleNoBids tests that a no-bid settlement returns custody quietly:
// no funds move and no settlement notification goes out
func TestSettleNoBids(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)
	env.clock.Advance(2 * time.Hour)

	before := len(*env.events)
	if err := env.engine.SettleAuction(7, bob); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if got := env.owner(t, 7); got != alice {
		t.Errorf("card owner = %s, want seller alice", got.Hex())
	}
	if bal := env.engine.Balance(alice); bal != 0 {
		t.Errorf("seller balance = %d, want 0", bal)
	}
	if after := len(*env.events); after != before {
		t.Errorf("no-bid settlement emitted %d events, want 0", after-before)
	}
}

// TestSettleRollbackOnTransferFailure tests that a refused delivery leaves
// the auction unsettled and retryable
func TestSettleRollbackOnTransferFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)
	env.engine.PlaceBid(7, bob, 80)
	env.clock.Advance(2 * time.Hour)

	env.custody.failTransfer = true
	err := env.engine.SettleAuction(7, bob)
	env.custody.failTransfer = false

	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if status := env.engine.AuctionStatus(7); status != auction.StatusEnded {
		t.Errorf("status = %s, want ended (not settled)", status)
	}
	if bal := env.engine.Balance(alice); bal != 0 {
		t.Errorf("seller balance = %d, want 0 after rollback", bal)
	}

	if err := env.engine.SettleAuction(7, bob); err != nil {
		t.Fatalf("retry settle failed: %v", err)
	}
	if got := env.owner(t, 7); got != bob {
		t.Errorf("card owner = %s, want bob", got.Hex())
	}
}

// TestCommitReveal tests the sealed-bid path end to end
func TestCommitReveal(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)

	nonce, err := crypto.RandomNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	commitment := crypto.ComputeCommitment(bob, 7, 110, nonce)

	if err := env.engine.CommitBid(7, bob, commitment); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if stored, ok := env.engine.Commitment(7, bob); !ok || stored != commitment {
		t.Fatal("commitment not stored")
	}

	// Wrong amount: reveal rejected, commitment kept
	if err := env.engine.PlaceBidReveal(7, bob, 120, nonce, 120); !errors.Is(err, ErrInvalidCommitment) {
		t.Errorf("wrong amount reveal: got %v, want ErrInvalidCommitment", err)
	}
	if _, ok := env.engine.Commitment(7, bob); !ok {
		t.Error("failed reveal should keep the commitment")
	}

	// Payment below revealed amount: rejected, commitment kept
	if err := env.engine.PlaceBidReveal(7, bob, 110, nonce, 100); !errors.Is(err, ErrInsufficientPayment) {
		t.Errorf("underfunded reveal: got %v, want ErrInsufficientPayment", err)
	}
	if _, ok := env.engine.Commitment(7, bob); !ok {
		t.Error("failed reveal should keep the commitment")
	}

	// Correct reveal with overpayment: bid lands, excess credited, single-use
	if err := env.engine.PlaceBidReveal(7, bob, 110, nonce, 125); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	auc, _ := env.engine.Auction(7)
	if auc.HighestBid != 110 || auc.HighestBidder == nil || *auc.HighestBidder != bob {
		t.Errorf("highest = %d by %v, want 110 by bob", auc.HighestBid, auc.HighestBidder)
	}
	if bal := env.engine.Balance(bob); bal != 15 {
		t.Errorf("bidder balance = %d, want 15 (excess)", bal)
	}
	if _, ok := env.engine.Commitment(7, bob); ok {
		t.Error("commitment should be cleared after successful reveal")
	}
	if err := env.engine.PlaceBidReveal(7, bob, 110, nonce, 125); !errors.Is(err, ErrInvalidCommitment) {
		t.Errorf("replayed reveal: got %v, want ErrInvalidCommitment", err)
	}
}

// TestCommitOverwrite tests that a later commit by the same bidder replaces
// the previous one
func TestCommitOverwrite(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)

	n1, _ := crypto.RandomNonce()
	n2, _ := crypto.RandomNonce()
	env.engine.CommitBid(7, bob, crypto.ComputeCommitment(bob, 7, 60, n1))
	env.engine.CommitBid(7, bob, crypto.ComputeCommitment(bob, 7, 90, n2))

	// Only the second opens
	if err := env.engine.PlaceBidReveal(7, bob, 60, n1, 60); !errors.Is(err, ErrInvalidCommitment) {
		t.Errorf("stale reveal: got %v, want ErrInvalidCommitment", err)
	}
	if err := env.engine.PlaceBidReveal(7, bob, 90, n2, 90); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
}

// TestWithdraw tests the pull-payment flow
func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)
	env.engine.Buy(5, bob, 150)

	amount, err := env.engine.Withdraw(alice)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if amount != 100 {
		t.Errorf("withdrew %d, want 100", amount)
	}
	if env.dispatcher.payouts[alice] != 100 {
		t.Errorf("dispatched %d, want 100", env.dispatcher.payouts[alice])
	}
	if bal := env.engine.Balance(alice); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	if _, err := env.engine.Withdraw(alice); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("empty withdraw: got %v, want ErrNothingToWithdraw", err)
	}
}

// TestWithdrawDispatchFailure tests that a refused payout restores the
// balance
func TestWithdrawDispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)
	env.engine.Buy(5, bob, 100)

	env.dispatcher.failNext = true
	if _, err := env.engine.Withdraw(alice); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if bal := env.engine.Balance(alice); bal != 100 {
		t.Errorf("balance = %d, want 100 restored", bal)
	}

	// Retry pays out
	if amount, err := env.engine.Withdraw(alice); err != nil || amount != 100 {
		t.Errorf("retry = %d, %v, want 100, nil", amount, err)
	}
}

// TestReentrantWithdraw tests that a dispatcher calling back into the
// engine is rejected, the outer withdrawal fails, and the balance survives
func TestReentrantWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)
	env.engine.Buy(5, bob, 100)

	var nestedErr error
	env.dispatcher.onDispatch = func(to common.Address, amount int64) {
		// Malicious payout rail: try to drain twice
		_, nestedErr = env.engine.Withdraw(to)
		env.dispatcher.failNext = true
	}

	_, err := env.engine.Withdraw(alice)
	env.dispatcher.onDispatch = nil

	if !errors.Is(nestedErr, ErrReentrant) {
		t.Errorf("nested call: got %v, want ErrReentrant", nestedErr)
	}
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("outer: got %v, want ErrTransferFailed", err)
	}
	if bal := env.engine.Balance(alice); bal != 100 {
		t.Errorf("balance = %d, want 100 (nothing drained)", bal)
	}
}

// TestReentrantBuy tests that external code calling back into a different
// engine operation mid-dispatch is rejected and leaves that card untouched
func TestReentrantBuy(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.mint(t, alice, 6)
	env.engine.List(5, alice, 100)
	env.engine.List(6, alice, 100)
	env.engine.Buy(5, bob, 100) // seeds alice's balance

	var nestedErr error
	env.dispatcher.onDispatch = func(common.Address, int64) {
		nestedErr = env.engine.Buy(6, bob, 100)
	}
	if _, err := env.engine.Withdraw(alice); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	env.dispatcher.onDispatch = nil

	if !errors.Is(nestedErr, ErrReentrant) {
		t.Errorf("nested buy: got %v, want ErrReentrant", nestedErr)
	}
	if got := env.owner(t, 6); got != escrow {
		t.Errorf("card 6 owner = %s, want escrow (still listed)", got.Hex())
	}
	if lst, ok := env.engine.Listing(6); !ok || !lst.Active {
		t.Error("listing 6 should still be active")
	}
}

// TestPause tests the admin circuit breaker
func TestPause(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.engine.List(5, alice, 100)
	env.engine.Buy(5, bob, 150)

	if err := env.engine.Pause(alice); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin pause: got %v, want ErrNotAdmin", err)
	}
	if err := env.engine.Pause(admin); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !env.engine.Paused() {
		t.Fatal("engine should report paused")
	}

	// Every mutating operation refuses, including withdrawals
	env.mint(t, alice, 6)
	if err := env.engine.List(6, alice, 100); !errors.Is(err, ErrPaused) {
		t.Errorf("list while paused: got %v, want ErrPaused", err)
	}
	if _, err := env.engine.Withdraw(alice); !errors.Is(err, ErrPaused) {
		t.Errorf("withdraw while paused: got %v, want ErrPaused", err)
	}

	// Queries still serve
	if bal := env.engine.Balance(alice); bal != 100 {
		t.Errorf("balance query while paused = %d, want 100", bal)
	}

	if err := env.engine.Unpause(bob); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("non-admin unpause: got %v, want ErrNotAdmin", err)
	}
	if err := env.engine.Unpause(admin); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if err := env.engine.List(6, alice, 100); err != nil {
		t.Fatalf("list after unpause failed: %v", err)
	}
}

// TestBidOnMissingAuction tests the not-listed edge
func TestBidOnMissingAuction(t *testing.T) {
	env := newTestEnv(t)
	if err := env.engine.PlaceBid(99, bob, 100); !errors.Is(err, ErrNotListed) {
		t.Errorf("got %v, want ErrNotListed", err)
	}
	if err := env.engine.SettleAuction(99, bob); !errors.Is(err, ErrNotListed) {
		t.Errorf("settle: got %v, want ErrNotListed", err)
	}
	if err := env.engine.CommitBid(99, bob, crypto.Commitment{1}); !errors.Is(err, ErrNotListed) {
		t.Errorf("commit: got %v, want ErrNotListed", err)
	}
}

// TestBidAfterSettlement tests the settled-before-ended error precedence
func TestBidAfterSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	env.engine.StartAuction(7, alice, 50, time.Hour)
	env.clock.Advance(2 * time.Hour)
	env.engine.SettleAuction(7, bob)

	if err := env.engine.PlaceBid(7, bob, 100); !errors.Is(err, ErrAuctionAlreadySettled) {
		t.Errorf("got %v, want ErrAuctionAlreadySettled", err)
	}
}

// TestConcurrentQueriesDuringBids runs read-only queries from another
// goroutine while bids land, verifying every query observes a coherent
// snapshot of the auction and listing records
func TestConcurrentQueriesDuringBids(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	env.mint(t, alice, 7)
	if err := env.engine.List(5, alice, 100); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := env.engine.StartAuction(7, alice, 50, time.Hour); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if a, ok := env.engine.Auction(7); ok && a.HighestBid > 0 && a.HighestBidder == nil {
				t.Error("auction snapshot has a bid without a bidder")
				return
			}
			if l, ok := env.engine.Listing(5); ok && (l.Seller != alice || l.Price != 100) {
				t.Errorf("listing snapshot corrupted: %+v", l)
				return
			}
			env.engine.AuctionStatus(7)
		}
	}()

	bidders := [2]common.Address{bob, carol}
	amount := int64(50)
	var last int64
	for i := 0; i < 200; i++ {
		if err := env.engine.PlaceBid(7, bidders[i%2], amount); err != nil {
			t.Fatalf("bid %d: %v", i, err)
		}
		last = amount
		next, err := env.engine.MinimumBid(7)
		if err != nil {
			t.Fatalf("minimum bid: %v", err)
		}
		amount = next
	}
	close(done)
	wg.Wait()

	a, ok := env.engine.Auction(7)
	if !ok || a.HighestBidder == nil {
		t.Fatal("expected a highest bidder")
	}
	if a.HighestBid != last {
		t.Errorf("highest bid = %d, want %d", a.HighestBid, last)
	}
}

// TestBuyCreditsBeforeDelivery tests that seller proceeds and buyer refund
// are already on the ledger when the custody transfer runs
func TestBuyCreditsBeforeDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 5)
	if err := env.engine.List(5, alice, 100); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	sellerBal, buyerBal := int64(-1), int64(-1)
	env.custody.onTransfer = func(from, to common.Address, cardID uint64) {
		sellerBal = env.engine.Balance(alice)
		buyerBal = env.engine.Balance(bob)
	}
	if err := env.engine.Buy(5, bob, 150); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if sellerBal != 100 || buyerBal != 50 {
		t.Errorf("balances at delivery = %d/%d, want 100/50", sellerBal, buyerBal)
	}
}

// TestSettleCreditsBeforeDelivery tests that the seller's payout is already
// on the ledger when the winner's custody transfer runs
func TestSettleCreditsBeforeDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.mint(t, alice, 7)
	if err := env.engine.StartAuction(7, alice, 50, time.Hour); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := env.engine.PlaceBid(7, bob, 80); err != nil {
		t.Fatalf("bid failed: %v", err)
	}
	env.clock.Advance(2 * time.Hour)

	sellerBal := int64(-1)
	env.custody.onTransfer = func(from, to common.Address, cardID uint64) {
		sellerBal = env.engine.Balance(alice)
	}
	if err := env.engine.SettleAuction(7, carol); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if sellerBal != 80 {
		t.Errorf("seller balance at delivery = %d, want 80", sellerBal)
	}
}
