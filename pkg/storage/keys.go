package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Design principles:
// 1. Prefix-based so each logical table is independently scannable.
// 2. Zero-padded numeric components for lexicographic ordering.
// 3. Card id (for market state) or party address (for balances) as primary key.

const (
	prefixListing = "listing:" // fixed-price listing per card
	prefixAuction = "auction:" // auction state per card
	prefixCommit  = "commit:"  // bid commitment per (card, bidder)
	prefixLedger  = "ledger:"  // pending withdrawal balance per party
	prefixEvent   = "event:"   // append-only event journal
)

// ListingKey returns the key for a card's listing.
// Format: "listing:{cardID}" with the id zero-padded to 20 digits.
func ListingKey(cardID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixListing, cardID))
}

// AuctionKey returns the key for a card's auction.
func AuctionKey(cardID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAuction, cardID))
}

// CommitKey returns the key for a bidder's commitment on a card.
// Format: "commit:{cardID}:{address}"
func CommitKey(cardID uint64, bidder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixCommit, cardID, bidder.Hex()))
}

// CommitCardPrefix returns the prefix covering every commitment on a card.
func CommitCardPrefix(cardID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixCommit, cardID))
}

// LedgerKey returns the key for a party's pending balance.
// Format: "ledger:{address}"
func LedgerKey(party common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixLedger, party.Hex()))
}

// EventKey returns the journal key for an event sequence number.
func EventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// EventPrefix covers the whole event journal.
func EventPrefix() []byte { return []byte(prefixEvent) }

// EventSeqFromKey parses the sequence number back out of a journal key.
func EventSeqFromKey(key []byte) (uint64, error) {
	s := strings.TrimPrefix(string(key), prefixEvent)
	if s == string(key) {
		return 0, fmt.Errorf("not an event key: %q", key)
	}
	return strconv.ParseUint(s, 10, 64)
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan: the
// prefix with its last byte incremented.
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
