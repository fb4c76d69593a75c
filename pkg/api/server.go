package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/cardex-io/cardex/pkg/crypto"
	"github.com/cardex-io/cardex/pkg/trade"
)

// Server handles REST API and WebSocket connections for the trading engine.
// Every exposed engine operation has a POST endpoint, and the four state
// tables (listings, auctions, commitments, ledger) are queryable by key.
type Server struct {
	engine  *trade.Engine
	custody trade.Custody
	router  *mux.Router
	hub     *Hub // WebSocket hub
}

// NewServer creates a new API server over the engine and its custody view.
func NewServer(engine *trade.Engine, custody trade.Custody) *Server {
	s := &Server{
		engine:  engine,
		custody: custody,
		router:  mux.NewRouter(),
		hub:     NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Queries
	api.HandleFunc("/listings/{card}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/auctions/{card}", s.handleGetAuction).Methods("GET")
	api.HandleFunc("/auctions/{card}/commitments/{address}", s.handleGetCommitment).Methods("GET")
	api.HandleFunc("/ledger/{address}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/cards/{card}/owner", s.handleGetOwner).Methods("GET")
	api.HandleFunc("/engine/status", s.handleGetStatus).Methods("GET")

	// Fixed-price operations
	api.HandleFunc("/listings", s.handleList).Methods("POST")
	api.HandleFunc("/listings/{card}/cancel", s.handleUnlist).Methods("POST")
	api.HandleFunc("/listings/{card}/buy", s.handleBuy).Methods("POST")

	// Auction operations
	api.HandleFunc("/auctions", s.handleStartAuction).Methods("POST")
	api.HandleFunc("/auctions/{card}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/auctions/{card}/commitments", s.handleCommitBid).Methods("POST")
	api.HandleFunc("/auctions/{card}/reveals", s.handleRevealBid).Methods("POST")
	api.HandleFunc("/auctions/{card}/settle", s.handleSettle).Methods("POST")

	// Ledger and admin
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/admin/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/admin/unpause", s.handleUnpause).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler exposes the routed handler for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts the API server.
func (s *Server) Start(addr string) error {
	// Start WebSocket hub
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// PublishEvent fans an engine event out to subscribed WebSocket clients.
// Wired as an EventSink in the node.
func (s *Server) PublishEvent(evt trade.Event) {
	s.hub.BroadcastToChannel(channelFor(evt.Type), WSEvent{
		Channel: channelFor(evt.Type),
		Event:   evt,
	})
}

func channelFor(t trade.EventType) string {
	switch t {
	case trade.EventCardListed, trade.EventCardUnlisted, trade.EventCardSold:
		return "listings"
	case trade.EventAuctionStarted, trade.EventBidPlaced, trade.EventBidCommitted, trade.EventAuctionSettled:
		return "auctions"
	case trade.EventWithdrawal:
		return "ledger"
	default:
		return "engine"
	}
}

// ==============================
// Query Handlers
// ==============================

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	lst, found := s.engine.Listing(cardID)
	if !found {
		respondError(w, http.StatusNotFound, "listing not found", "")
		return
	}
	respondJSON(w, ListingInfo{
		CardID:       lst.CardID,
		Seller:       lst.Seller.Hex(),
		Price:        lst.Price,
		DisplayPrice: display(lst.Price),
		Active:       lst.Active,
	})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	auc, found := s.engine.Auction(cardID)
	if !found {
		respondError(w, http.StatusNotFound, "auction not found", "")
		return
	}
	minBid, _ := s.engine.MinimumBid(cardID)

	info := AuctionInfo{
		CardID:               auc.CardID,
		Seller:               auc.Seller.Hex(),
		Status:               s.engine.AuctionStatus(cardID).String(),
		StartingPrice:        auc.StartingPrice,
		DisplayStartingPrice: display(auc.StartingPrice),
		HighestBid:           auc.HighestBid,
		DisplayHighestBid:    display(auc.HighestBid),
		MinimumBid:           minBid,
		EndTime:              auc.EndTime.UnixMilli(),
		Settled:              auc.Settled,
	}
	if auc.HighestBidder != nil {
		info.HighestBidder = auc.HighestBidder.Hex()
	}
	respondJSON(w, info)
}

func (s *Server) handleGetCommitment(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	bidder, ok := addressVar(w, r)
	if !ok {
		return
	}
	c, found := s.engine.Commitment(cardID, bidder)
	if !found {
		respondError(w, http.StatusNotFound, "commitment not found", "")
		return
	}
	respondJSON(w, CommitmentInfo{CardID: cardID, Bidder: bidder.Hex(), Commitment: c.Hex()})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	party, ok := addressVar(w, r)
	if !ok {
		return
	}
	bal := s.engine.Balance(party)
	respondJSON(w, BalanceInfo{Address: party.Hex(), Balance: bal, DisplayBalance: display(bal)})
}

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	owner, err := s.custody.OwnerOf(cardID)
	if err != nil {
		respondError(w, http.StatusNotFound, "card not found", err.Error())
		return
	}
	respondJSON(w, OwnerInfo{CardID: cardID, Owner: owner.Hex()})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, EngineStatus{
		Paused:    s.engine.Paused(),
		Timestamp: s.engine.Now().UnixMilli(),
	})
}

// ==============================
// Operation Handlers
// ==============================

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req ListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	seller, ok := parseAddress(w, req.Seller, "seller")
	if !ok {
		return
	}
	if err := s.engine.List(req.CardID, seller, req.Price); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "listed"})
}

func (s *Server) handleUnlist(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req UnlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.engine.Unlist(cardID, caller); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "unlisted"})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	buyer, ok := parseAddress(w, req.Buyer, "buyer")
	if !ok {
		return
	}
	if err := s.engine.Buy(cardID, buyer, req.Payment); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "sold"})
}

func (s *Server) handleStartAuction(w http.ResponseWriter, r *http.Request) {
	var req StartAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	seller, ok := parseAddress(w, req.Seller, "seller")
	if !ok {
		return
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := s.engine.StartAuction(req.CardID, seller, req.StartingPrice, duration); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	bidder, ok := parseAddress(w, req.Bidder, "bidder")
	if !ok {
		return
	}
	if err := s.engine.PlaceBid(cardID, bidder, req.Amount); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleCommitBid(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req CommitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	bidder, ok := parseAddress(w, req.Bidder, "bidder")
	if !ok {
		return
	}
	commitment, err := crypto.ParseCommitment(req.Commitment)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid commitment", err.Error())
		return
	}
	if err := s.engine.CommitBid(cardID, bidder, commitment); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "committed"})
}

func (s *Server) handleRevealBid(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req RevealBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	bidder, ok := parseAddress(w, req.Bidder, "bidder")
	if !ok {
		return
	}
	nonce, err := crypto.ParseNonce(req.Nonce)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid nonce", err.Error())
		return
	}
	if err := s.engine.PlaceBidReveal(cardID, bidder, req.Amount, nonce, req.Payment); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	cardID, ok := cardVar(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := s.engine.SettleAuction(cardID, caller); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "settled"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	party, ok := parseAddress(w, req.Address, "address")
	if !ok {
		return
	}
	amount, err := s.engine.Withdraw(party)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, WithdrawalResponse{
		Address:       party.Hex(),
		Amount:        amount,
		DisplayAmount: display(amount),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleAdmin(w, r, s.engine.Pause, "paused")
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handleAdmin(w, r, s.engine.Unpause, "unpaused")
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, op func(common.Address) error, status string) {
	var req AdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller, "caller")
	if !ok {
		return
	}
	if err := op(caller); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// display renders minor units as a scale-2 decimal string ("150" → "1.5").
func display(amount int64) string {
	return decimal.New(amount, -2).String()
}

func cardVar(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	cardID, err := strconv.ParseUint(mux.Vars(r)["card"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid card id", err.Error())
		return 0, false
	}
	return cardID, true
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return parseAddress(w, mux.Vars(r)["address"], "address")
}

func parseAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid "+field, s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// respondEngineError maps the engine's named conditions onto HTTP statuses.
func respondEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trade.ErrNotListed):
		status = http.StatusNotFound
	case errors.Is(err, trade.ErrNotCardOwner),
		errors.Is(err, trade.ErrNotSeller),
		errors.Is(err, trade.ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, trade.ErrAlreadyListed),
		errors.Is(err, trade.ErrAuctionAlreadyExists),
		errors.Is(err, trade.ErrAuctionAlreadySettled),
		errors.Is(err, trade.ErrAuctionEnded),
		errors.Is(err, trade.ErrAuctionNotEnded),
		errors.Is(err, trade.ErrReentrant):
		status = http.StatusConflict
	case errors.Is(err, trade.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, trade.ErrTransferFailed):
		status = http.StatusBadGateway
	case errors.Is(err, trade.ErrPriceMustBePositive),
		errors.Is(err, trade.ErrInvalidStartingPrice),
		errors.Is(err, trade.ErrDurationTooShort),
		errors.Is(err, trade.ErrDurationTooLong),
		errors.Is(err, trade.ErrInsufficientPayment),
		errors.Is(err, trade.ErrBidBelowStartingPrice),
		errors.Is(err, trade.ErrBidBelowMinimumIncrement),
		errors.Is(err, trade.ErrInvalidCommitment),
		errors.Is(err, trade.ErrNothingToWithdraw):
		status = http.StatusBadRequest
	}
	respondError(w, status, err.Error(), "")
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
