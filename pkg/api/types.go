package api

// API request/response types for REST endpoints and WebSocket messages.
// Amounts travel as integer minor units plus a decimal display string
// (scale 2), so UI code never does money arithmetic on floats.

// ==============================
// REST Response Types
// ==============================

// ListingInfo represents a card's fixed-price listing.
type ListingInfo struct {
	CardID       uint64 `json:"cardId"`
	Seller       string `json:"seller"`
	Price        int64  `json:"price"`
	DisplayPrice string `json:"displayPrice"` // e.g. "1.50"
	Active       bool   `json:"active"`
}

// AuctionInfo represents a card's auction state.
type AuctionInfo struct {
	CardID               uint64 `json:"cardId"`
	Seller               string `json:"seller"`
	Status               string `json:"status"` // "open", "ended", "settled"
	StartingPrice        int64  `json:"startingPrice"`
	DisplayStartingPrice string `json:"displayStartingPrice"`
	HighestBid           int64  `json:"highestBid"`
	DisplayHighestBid    string `json:"displayHighestBid"`
	HighestBidder        string `json:"highestBidder,omitempty"` // empty when no bid yet
	MinimumBid           int64  `json:"minimumBid"`
	EndTime              int64  `json:"endTime"` // Unix milliseconds
	Settled              bool   `json:"settled"`
}

// BalanceInfo represents a party's pending withdrawal balance.
type BalanceInfo struct {
	Address        string `json:"address"`
	Balance        int64  `json:"balance"`
	DisplayBalance string `json:"displayBalance"`
}

// OwnerInfo represents current custody of a card.
type OwnerInfo struct {
	CardID uint64 `json:"cardId"`
	Owner  string `json:"owner"`
}

// CommitmentInfo represents a stored bid commitment.
type CommitmentInfo struct {
	CardID     uint64 `json:"cardId"`
	Bidder     string `json:"bidder"`
	Commitment string `json:"commitment"` // 0x-prefixed hex
}

// EngineStatus reports the pause switch and engine clock.
type EngineStatus struct {
	Paused    bool  `json:"paused"`
	Timestamp int64 `json:"timestamp"` // Unix milliseconds
}

// WithdrawalResponse reports a completed payout.
type WithdrawalResponse struct {
	Address       string `json:"address"`
	Amount        int64  `json:"amount"`
	DisplayAmount string `json:"displayAmount"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

type ListRequest struct {
	CardID uint64 `json:"cardId"`
	Seller string `json:"seller"`
	Price  int64  `json:"price"`
}

type UnlistRequest struct {
	Caller string `json:"caller"`
}

type BuyRequest struct {
	Buyer   string `json:"buyer"`
	Payment int64  `json:"payment"`
}

type StartAuctionRequest struct {
	CardID          uint64 `json:"cardId"`
	Seller          string `json:"seller"`
	StartingPrice   int64  `json:"startingPrice"`
	DurationSeconds int64  `json:"durationSeconds"`
}

type PlaceBidRequest struct {
	Bidder string `json:"bidder"`
	Amount int64  `json:"amount"`
}

type CommitBidRequest struct {
	Bidder     string `json:"bidder"`
	Commitment string `json:"commitment"` // 0x-prefixed hex
}

type RevealBidRequest struct {
	Bidder  string `json:"bidder"`
	Amount  int64  `json:"amount"`
	Nonce   string `json:"nonce"` // 0x-prefixed hex
	Payment int64  `json:"payment"`
}

type SettleRequest struct {
	Caller string `json:"caller"`
}

type WithdrawRequest struct {
	Address string `json:"address"`
}

type AdminRequest struct {
	Caller string `json:"caller"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["listings", "auctions", "ledger", "engine"]
}

// WSEvent is the server → client event envelope.
type WSEvent struct {
	Channel string `json:"channel"`
	Event   any    `json:"event"`
}
