// Package auction holds timed ascending-bid auction state per card,
// including the commit-reveal bid store. The settlement engine owns all
// lifecycle semantics; this package is the record types, the minimum-bid
// rule, and persistence.
package auction

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the derived lifecycle state of a card's auction. There is no
// scheduled transition: OPEN becomes ENDED purely by comparing the current
// time against EndTime.
type Status int8

const (
	StatusNone Status = iota
	StatusOpen
	StatusEnded // past EndTime, not yet settled
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOpen:
		return "open"
	case StatusEnded:
		return "ended"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Auction is the state of one card's auction. While unsettled and EndTime
// is in the future, the engine escrow address holds custody of the card.
type Auction struct {
	CardID        uint64          `json:"cardId"`
	Seller        common.Address  `json:"seller"`
	StartingPrice int64           `json:"startingPrice"` // minor units
	HighestBid    int64           `json:"highestBid"`    // 0 iff no bid yet
	HighestBidder *common.Address `json:"highestBidder"` // nil iff no bid yet
	EndTime       time.Time       `json:"endTime"`
	Settled       bool            `json:"settled"`
}

// HasBid reports whether any bid has been accepted.
func (a *Auction) HasBid() bool { return a.HighestBidder != nil }

// StatusAt derives the auction status at the given time.
func (a *Auction) StatusAt(now time.Time) Status {
	if a == nil {
		return StatusNone
	}
	if a.Settled {
		return StatusSettled
	}
	if !now.Before(a.EndTime) {
		return StatusEnded
	}
	return StatusOpen
}

// MinimumBid returns the smallest acceptable next bid: the starting price
// when no bid exists, otherwise the highest bid plus incrementBps basis
// points of it. The increment uses truncating integer division, so exactly
// highest*(1+bps/10000) rounded down is accepted. The fixed increment
// raises the cost of rapid penny-over front-running bids.
func (a *Auction) MinimumBid(incrementBps int64) int64 {
	if !a.HasBid() {
		return a.StartingPrice
	}
	return a.HighestBid + a.HighestBid*incrementBps/10000
}
