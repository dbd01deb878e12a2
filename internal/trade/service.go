// Package trade provides the HTTP handlers for listing creators, placing
// and cancelling orders, and querying books, trades, candles and
// portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/journal"
	"github.com/creatorx/market-engine/internal/listing"
	"github.com/creatorx/market-engine/internal/metrics"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/pricing"
	"github.com/creatorx/market-engine/internal/store"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 500
	defaultCandleSpan  = 24 * time.Hour
)

// Service exposes the engine and store over HTTP. Order placement and
// cancellation go through the engine; everything else reads the store.
type Service struct {
	engine  *engine.Engine
	store   store.Store
	pricing *pricing.Model
	journal *journal.Journal // optional; candles fall back to the store
	wsHub   *WSHub           // optional WebSocket hub for listing broadcasts
	limiter *AccountLimiter  // optional per-account order throttle
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTradeLimiter throttles POST /orders per account.
func WithTradeLimiter(l *AccountLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService creates a new trade service.
// Pass nil for j or hub when the journal or WebSocket broadcasting is not
// needed.
func NewService(eng *engine.Engine, st store.Store, j *journal.Journal, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		engine:  eng,
		store:   st,
		pricing: pricing.Default,
		journal: j,
		wsHub:   hub,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/assets", s.ListAssets)
	r.Post("/assets", s.CreateAsset)
	r.Get("/assets/{assetID}", s.GetAsset)
	r.Get("/assets/{assetID}/book", s.GetOrderBook)
	r.Get("/assets/{assetID}/trades", s.GetTrades)
	r.Get("/assets/{assetID}/candles", s.GetCandles)

	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/accounts/{accountID}/orders", s.ListAccountOrders)
	r.Get("/accounts/{accountID}/trades", s.ListAccountTrades)

	r.Get("/portfolio/{accountID}", s.GetPortfolio)

	r.Get("/rankings", s.GetRankings)
	r.Get("/dashboard", s.GetDashboard)
	r.Get("/categories", s.ListCategories)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// OrderResponse is returned from order placement and cancellation.
type OrderResponse struct {
	Order          *model.Order    `json:"order"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

// --- Assets ---

// ListAssets handles GET /api/v1/assets
// Query: category, sort (newest|price|name|change), page, limit, all=true to
// include delisted assets.
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := listing.Filter{Category: q.Get("category"), Sort: q.Get("sort")}
	var err error
	if f.Page, err = intParam(q.Get("page"), 0); err != nil {
		writeError(w, "page must be an integer", http.StatusBadRequest)
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, "limit must be an integer", http.StatusBadRequest)
		return
	}
	if err := f.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	assets, err := s.store.ListAssets(r.Context(), q.Get("all") != "true")
	if err != nil {
		s.fail(w, r, "failed to list assets", err)
		return
	}
	writeJSON(w, http.StatusOK, f.Apply(assets))
}

// CreateAsset handles POST /api/v1/assets
func (s *Service) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req listing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asset, err := listing.NewAsset(req, s.pricing, time.Now())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.CreateAsset(r.Context(), asset); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, "asset already listed for handle "+asset.Handle, http.StatusConflict)
			return
		}
		s.fail(w, r, "failed to create asset", err)
		return
	}

	metrics.ActiveAssets.Inc()
	metrics.ReferencePrice.WithLabelValues(asset.ID).Set(asset.ReferencePrice.InexactFloat64())
	slog.Info("asset listed",
		"id", asset.ID,
		"handle", asset.Handle,
		"price", asset.ReferencePrice.String(),
		"liquidity", asset.Liquidity.String(),
	)
	if s.wsHub != nil {
		s.wsHub.announceListing(asset)
	}
	writeJSON(w, http.StatusCreated, asset)
}

// GetAsset handles GET /api/v1/assets/{assetID}
func (s *Service) GetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// GetOrderBook handles GET /api/v1/assets/{assetID}/book
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.engine.GetOrderBook(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTrades handles GET /api/v1/assets/{assetID}/trades?limit=N
// Returns the most recent N trade legs, oldest first.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTradesByAsset(r.Context(), asset.ID, limit)
	if err != nil {
		s.fail(w, r, "failed to list trades", err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetCandles handles GET /api/v1/assets/{assetID}/candles?interval=5m&span=24h
func (s *Service) GetCandles(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	interval, err := journal.ParseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span := defaultCandleSpan
	if v := q.Get("span"); v != "" {
		if span, err = time.ParseDuration(v); err != nil || span <= 0 {
			writeError(w, "span must be a positive duration", http.StatusBadRequest)
			return
		}
	}
	prints, err := s.printsSince(r.Context(), asset.ID, s.now().Add(-span))
	if err != nil {
		s.fail(w, r, "failed to load candles", err)
		return
	}

	candles := journal.Candles(prints, interval)
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

// printsSince returns one print per execution on assetID at or after from,
// from the journal when configured and the trade ledger otherwise.
func (s *Service) printsSince(ctx context.Context, assetID string, from time.Time) ([]journal.Print, error) {
	if s.journal != nil {
		return s.journal.Prints(assetID, from, time.Time{})
	}
	trades, err := s.store.ListTradesByAsset(ctx, assetID, 0)
	if err != nil {
		return nil, err
	}
	var prints []journal.Print
	for _, p := range journal.FromTrades(trades) {
		if !p.Time.Before(from) {
			prints = append(prints, p)
		}
	}
	return prints, nil
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req engine.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.AssetID == "" {
		writeError(w, "account_id and asset_id are required", http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(req.AccountID) {
		metrics.RejectionsTotal.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, "too many orders, slow down", http.StatusTooManyRequests)
		return
	}

	o, err := s.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.orderResponse(r.Context(), o))
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?account_id=
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.engine.CancelOrder(r.Context(), accountID, chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orderResponse(r.Context(), o))
}

func (s *Service) orderResponse(ctx context.Context, o *model.Order) OrderResponse {
	resp := OrderResponse{Order: o}
	if a, err := s.store.GetAsset(ctx, o.AssetID); err == nil {
		resp.ReferencePrice = a.ReferencePrice
	}
	return resp
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must be non-negative", http.StatusBadRequest)
		return
	}
	acct := &model.Account{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Balance:       req.Balance,
		InitialBudget: req.Balance,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		s.fail(w, r, "failed to create account", err)
		return
	}
	slog.Info("account created", "id", acct.ID, "balance", acct.Balance.String())
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListAccountOrders handles GET /api/v1/accounts/{accountID}/orders?status=open
func (s *Service) ListAccountOrders(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	orders, err := s.store.ListOrdersByAccount(r.Context(), acct.ID, r.URL.Query().Get("status") == "open")
	if err != nil {
		s.fail(w, r, "failed to list orders", err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListAccountTrades handles GET /api/v1/accounts/{accountID}/trades?limit=N
func (s *Service) ListAccountTrades(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	trades, err := s.store.ListTradesByAccount(r.Context(), acct.ID, limit)
	if err != nil {
		s.fail(w, r, "failed to list trades", err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPortfolio handles GET /api/v1/portfolio/{accountID}
// Returns positions marked to reference prices and P&L against the
// account's initial budget.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.loadAccount(w, r)
	if !ok {
		return
	}
	p, err := s.portfolio(r.Context(), acct, make(map[string]model.Asset))
	if err != nil {
		s.fail(w, r, "failed to build portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// portfolio values acct's positions and resting orders. assets caches
// reference prices across calls and is filled on demand.
func (s *Service) portfolio(ctx context.Context, acct *model.Account, assets map[string]model.Asset) (*model.Portfolio, error) {
	positions, err := s.store.ListPositions(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	resting, err := s.store.ListOrdersByAccount(ctx, acct.ID, true)
	if err != nil {
		return nil, err
	}

	need := func(id string) error {
		if _, ok := assets[id]; ok {
			return nil
		}
		a, err := s.store.GetAsset(ctx, id)
		if err != nil {
			return err
		}
		assets[id] = *a
		return nil
	}
	for _, p := range positions {
		if err := need(p.AssetID); err != nil {
			return nil, err
		}
	}
	for _, o := range resting {
		if err := need(o.AssetID); err != nil {
			return nil, err
		}
	}
	return BuildPortfolio(acct, positions, resting, assets), nil
}

// --- helpers ---

func (s *Service) loadAsset(w http.ResponseWriter, r *http.Request) (*model.Asset, bool) {
	asset, err := s.store.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "asset not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, "failed to load asset", err)
		return nil, false
	}
	return asset, true
}

func (s *Service) loadAccount(w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.fail(w, r, "failed to load account", err)
		return nil, false
	}
	return acct, true
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAssetNotFound),
		errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrCannotCancel):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInsufficientBalance),
		errors.Is(err, engine.ErrInsufficientPosition),
		errors.Is(err, engine.ErrPriceLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrAssetInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.fail(w, r, "internal error", err)
		return
	}
	writeError(w, err.Error(), status)
}

// fail logs err and writes a 500 without leaking its text.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, msg, http.StatusInternalServerError)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultTradesLimit)
	if err != nil || limit < 1 || limit > maxTradesLimit {
		writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
		return 0, false
	}
	return limit, true
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
