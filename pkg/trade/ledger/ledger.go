// Package ledger implements the pull-payment balance store: value owed to a
// party is credited here and later withdrawn by the party, never pushed.
// This decouples every sale, refund, and auction payout from the failure
// behavior of the recipient's payment rail.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cardex-io/cardex/pkg/storage"
)

var (
	// ErrNothingToWithdraw is returned when a party's balance is zero.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	// ErrTransferFailed is returned when an external transfer or dispatch
	// was refused; the enclosing operation is rolled back.
	ErrTransferFailed = errors.New("transfer failed")
)

// DispatchFunc pays out amount to a party on the external rail. It may run
// arbitrary recipient code, so it is only ever called after the balance has
// been zeroed.
type DispatchFunc func(to common.Address, amount int64) error

// Ledger tracks pending withdrawal balances with an in-memory cache in
// front of Pebble persistence (write-through).
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]int64
	store    *storage.Store
}

func New(store *storage.Store) *Ledger {
	return &Ledger{
		balances: make(map[common.Address]int64),
		store:    store,
	}
}

// Credit adds amount to a party's pending balance. Amounts are positive by
// caller discipline; zero is a no-op.
func (l *Ledger) Credit(party common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.loadLocked(party)
	return l.setLocked(party, bal+amount)
}

// Uncredit backs out a prior Credit while the enclosing operation unwinds.
// It never drives a balance negative: removing more than is pending is an
// error and leaves the balance untouched.
func (l *Ledger) Uncredit(party common.Address, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("uncredit amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.loadLocked(party)
	if amount > bal {
		return fmt.Errorf("cannot uncredit %d from balance %d for %s", amount, bal, party.Hex())
	}
	return l.setLocked(party, bal-amount)
}

// Balance returns a party's pending balance.
func (l *Ledger) Balance(party common.Address) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(party)
}

// Withdraw pays out a party's full pending balance via dispatch and returns
// the amount paid. The balance is zeroed and persisted BEFORE dispatch runs:
// any re-entrant withdrawal attempt from inside the dispatch sees zero. If
// dispatch fails the zeroing is rolled back (the amount is re-added, so
// credits that landed during dispatch survive) and ErrTransferFailed is
// returned.
func (l *Ledger) Withdraw(party common.Address, dispatch DispatchFunc) (int64, error) {
	l.mu.Lock()
	amount := l.loadLocked(party)
	if amount == 0 {
		l.mu.Unlock()
		return 0, ErrNothingToWithdraw
	}
	if err := l.setLocked(party, 0); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.mu.Unlock()

	if err := dispatch(party, amount); err != nil {
		l.mu.Lock()
		restoreErr := l.setLocked(party, l.loadLocked(party)+amount)
		l.mu.Unlock()
		if restoreErr != nil {
			return 0, fmt.Errorf("%w: %v (balance restore also failed: %v)",
				ErrTransferFailed, err, restoreErr)
		}
		return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return amount, nil
}

// Validate checks the non-negative balance invariant across the cache.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for party, bal := range l.balances {
		if bal < 0 {
			return fmt.Errorf("negative balance for %s: %d", party.Hex(), bal)
		}
	}
	return nil
}

// loadLocked returns the cached balance, falling back to the store.
// Assumes l.mu is held.
func (l *Ledger) loadLocked(party common.Address) int64 {
	if bal, ok := l.balances[party]; ok {
		return bal
	}

	data, err := l.store.Get(storage.LedgerKey(party))
	if err != nil || data == nil {
		l.balances[party] = 0
		return 0
	}
	var bal int64
	if err := storage.DecodeJSON(data, &bal); err != nil {
		l.balances[party] = 0
		return 0
	}
	l.balances[party] = bal
	return bal
}

// setLocked writes the balance through to the store. Assumes l.mu is held.
func (l *Ledger) setLocked(party common.Address, bal int64) error {
	data, err := storage.EncodeJSON(bal)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := l.store.Put(storage.LedgerKey(party), data); err != nil {
		return fmt.Errorf("failed to persist balance: %w", err)
	}
	l.balances[party] = bal
	return nil
}
