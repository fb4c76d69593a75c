package trade

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// EventType names the notification emitted by each successful operation.
type EventType string

const (
	EventCardListed     EventType = "CardListed"
	EventCardUnlisted   EventType = "CardUnlisted"
	EventCardSold       EventType = "CardSold"
	EventAuctionStarted EventType = "AuctionStarted"
	EventBidPlaced      EventType = "BidPlaced"
	EventBidCommitted   EventType = "BidCommitted"
	EventAuctionSettled EventType = "AuctionSettled"
	EventWithdrawal     EventType = "Withdrawal"
	EventEnginePaused   EventType = "EnginePaused"
	EventEngineUnpaused EventType = "EngineUnpaused"
)

// Event is the notification record for one successful state transition.
// Fields beyond ID/Type/Timestamp are populated per event type.
type Event struct {
	ID        string    `json:"id"` // uuid
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	CardID uint64          `json:"cardId,omitempty"`
	Seller *common.Address `json:"seller,omitempty"`
	Buyer  *common.Address `json:"buyer,omitempty"`
	Bidder *common.Address `json:"bidder,omitempty"`
	Winner *common.Address `json:"winner,omitempty"`
	Party  *common.Address `json:"party,omitempty"`

	Price   int64      `json:"price,omitempty"`
	Amount  int64      `json:"amount,omitempty"`
	EndTime *time.Time `json:"endTime,omitempty"`
}

// EventSink receives events emitted by the engine. Publish must not call
// back into the engine's mutating operations (it would be rejected as
// re-entrant) and should not block.
type EventSink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans one event out to several sinks in order.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Publish(e)
			}
		}
	})
}

func addr(a common.Address) *common.Address { return &a }

func (e *Engine) emit(evt Event) {
	evt.ID = uuid.NewString()
	evt.Timestamp = e.clock.Now()
	if e.sink != nil {
		e.sink.Publish(evt)
	}
}
