// Package api exposes the auction engine over HTTP. Handlers decode JSON
// bodies, resolve the caller from the X-Account-ID header and submit the
// call to the chain runtime, which executes it at the current tick.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/chain"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/token"
)

// AccountHeader carries the authenticated caller. Authentication itself
// happens upstream.
const AccountHeader = "X-Account-ID"

// Faucet credits funds and mints assets in development deployments.
type Faucet struct {
	Currency ledger.Depositor
	Assets   ledger.Minter
}

// Service handles auction calls.
type Service struct {
	rt     *chain.Runtime
	faucet *Faucet // nil disables the faucet routes
}

// NewService creates a new auction service. Pass nil for faucet in
// production.
func NewService(rt *chain.Runtime, faucet *Faucet) *Service {
	return &Service{rt: rt, faucet: faucet}
}

// Routes mounts every handler under r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/auctions", s.CreateAuction)
	r.Get("/auctions/{auctionID}", s.GetAuction)
	r.Get("/auctions/{auctionID}/bid", s.GetLeadingBid)
	r.Post("/auctions/{auctionID}/bids", s.BidAuction)
	r.Post("/auctions/{auctionID}/cancel", s.CancelAuction)

	r.Get("/ticks/current", s.CurrentTick)
	r.Get("/ticks/{tick}/expiring", s.ExpiringAt)

	if s.faucet != nil {
		r.Post("/accounts/{accountID}/deposit", s.Deposit)
		r.Post("/accounts/{accountID}/assets", s.MintAsset)
	}
}

// --- Request/Response types ---

// CreateAuctionRequest is the JSON body for POST /auctions.
type CreateAuctionRequest struct {
	Token0   string `json:"token0"`   // {class}:{token}
	Token1   string `json:"token1"`   // currency symbol
	Min1     string `json:"min1"`     // minimum bid, decimal string
	Duration uint64 `json:"duration"` // ticks
}

// BidRequest is the JSON body for POST /auctions/{auctionID}/bids.
type BidRequest struct {
	Amount string `json:"amount"`
}

// AuctionResponse is an open auction plus its derived end tick.
type AuctionResponse struct {
	*model.AuctionDetails
	EndAt model.Tick `json:"end_at"`
}

// TickResponse is returned from GET /ticks/current.
type TickResponse struct {
	Tick          model.Tick  `json:"tick"`
	LastFinalized *model.Tick `json:"last_finalized,omitempty"`
}

// ExpiringResponse is returned from GET /ticks/{tick}/expiring.
type ExpiringResponse struct {
	Tick     model.Tick        `json:"tick"`
	Auctions []model.AuctionID `json:"auctions"`
}

// DepositRequest is the JSON body for the faucet deposit route.
type DepositRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// MintRequest is the JSON body for the faucet mint route.
type MintRequest struct {
	ClassID uint64 `json:"class_id"`
}

// MintResponse is returned from the faucet mint route.
type MintResponse struct {
	Asset string `json:"asset"`
	Owner string `json:"owner"`
}

// --- HTTP Handlers ---

// CreateAuction handles POST /api/v1/auctions
func (s *Service) CreateAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asset, err := token.ParseAsset(req.Token0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	currency, err := token.ParseCurrency(req.Token1)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	min1 := decimal.Zero
	if req.Min1 != "" {
		if min1, err = token.ParseAmount(req.Min1); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	a, err := s.rt.CreateAuction(r.Context(), caller, auction.CreateParams{
		Token0:   asset,
		Token1:   currency,
		Min1:     min1,
		Duration: model.Tick(req.Duration),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AuctionResponse{AuctionDetails: a, EndAt: a.EndAt()})
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionIDOf(w, r)
	if !ok {
		return
	}
	a, err := s.rt.Engine().Auction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuctionResponse{AuctionDetails: a, EndAt: a.EndAt()})
}

// GetLeadingBid handles GET /api/v1/auctions/{auctionID}/bid
func (s *Service) GetLeadingBid(w http.ResponseWriter, r *http.Request) {
	id, ok := auctionIDOf(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.rt.Engine().Auction(ctx, id); err != nil {
		writeEngineError(w, err)
		return
	}
	bid, err := s.rt.Engine().LeadingBid(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bid == nil {
		writeError(w, "no bids yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

// BidAuction handles POST /api/v1/auctions/{auctionID}/bids
func (s *Service) BidAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := auctionIDOf(w, r)
	if !ok {
		return
	}
	var req BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.rt.BidAuction(r.Context(), caller, id, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Bid{AuctionID: id, Bidder: caller, Amount: amount})
}

// CancelAuction handles POST /api/v1/auctions/{auctionID}/cancel
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := auctionIDOf(w, r)
	if !ok {
		return
	}
	if err := s.rt.CancelAuction(r.Context(), caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CurrentTick handles GET /api/v1/ticks/current
func (s *Service) CurrentTick(w http.ResponseWriter, r *http.Request) {
	resp := TickResponse{Tick: s.rt.Now()}
	last, ok, err := s.rt.Engine().LastFinalized(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ok {
		resp.LastFinalized = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExpiringAt handles GET /api/v1/ticks/{tick}/expiring
func (s *Service) ExpiringAt(w http.ResponseWriter, r *http.Request) {
	raw, err := strconv.ParseUint(chi.URLParam(r, "tick"), 10, 64)
	if err != nil {
		writeError(w, "invalid tick", http.StatusBadRequest)
		return
	}
	tick := model.Tick(raw)
	ids, err := s.rt.Engine().ExpiringAt(r.Context(), tick)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ids == nil {
		ids = []model.AuctionID{}
	}
	writeJSON(w, http.StatusOK, ExpiringResponse{Tick: tick, Auctions: ids})
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit (faucet only)
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	who := model.AccountID(chi.URLParam(r, "accountID"))
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	currency, err := token.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := token.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.faucet.Currency.Deposit(r.Context(), currency, who, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("faucet deposit", "account", who, "currency", currency, "amount", amount.String())
	w.WriteHeader(http.StatusNoContent)
}

// MintAsset handles POST /api/v1/accounts/{accountID}/assets (faucet only)
func (s *Service) MintAsset(w http.ResponseWriter, r *http.Request) {
	who := model.AccountID(chi.URLParam(r, "accountID"))
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	asset, err := s.faucet.Assets.Mint(r.Context(), who, req.ClassID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("faucet mint", "account", who, "asset", token.FormatAsset(asset))
	writeJSON(w, http.StatusCreated, MintResponse{Asset: token.FormatAsset(asset), Owner: string(who)})
}

// --- helpers ---

func callerOf(w http.ResponseWriter, r *http.Request) (model.AccountID, bool) {
	caller := r.Header.Get(AccountHeader)
	if caller == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	return model.AccountID(caller), true
}

func auctionIDOf(w http.ResponseWriter, r *http.Request) (model.AuctionID, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "auctionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid auction id", http.StatusBadRequest)
		return 0, false
	}
	return model.AuctionID(id), true
}

// statusOf maps engine and collaborator errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound),
		errors.Is(err, ledger.ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidMinimum),
		errors.Is(err, auction.ErrInvalidBidAmount),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrInvalidCreator),
		errors.Is(err, ledger.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionExpired),
		errors.Is(err, auction.ErrAuctionStarted),
		errors.Is(err, auction.ErrExceedMaxAuction),
		errors.Is(err, auction.ErrNoAvailableID),
		errors.Is(err, ledger.ErrAssetReserved),
		errors.Is(err, ledger.ErrAssetNotReserved),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
