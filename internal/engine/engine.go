// Package engine implements order placement, matching and cancellation for
// creator assets.
//
// Every operation on an asset runs under that asset's mutex and inside one
// store.WithAssetTx, so the ledger locks, order and trade rows, and the
// reference price written by a submission commit together. Operations on
// different assets proceed in parallel.
//
// LIMIT orders go through the book: they lock funds at their limit price,
// match against resting orders in price-time priority at the maker's price,
// and rest with any remainder. MARKET orders fill immediately against the
// asset's liquidity pool at the reference price, which then moves by the
// pricing model's price impact.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/book"
	"github.com/creatorx/market-engine/internal/metrics"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/pricing"
	"github.com/creatorx/market-engine/internal/store"
)

const (
	// DefaultMatchDepth bounds the candidates examined per matching pass.
	DefaultMatchDepth = 50

	// DefaultMaxOrderQuantity bounds the size of a single order.
	DefaultMaxOrderQuantity = 10000
)

// OrderRequest is the input to PlaceOrder.
type OrderRequest struct {
	AccountID string          `json:"account_id"`
	AssetID   string          `json:"asset_id"`
	Side      model.Side      `json:"side"`
	Kind      model.OrderKind `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Engine is safe for concurrent use. Only one Engine may write to a given
// store; its in-memory book index assumes no other writer.
type Engine struct {
	store      store.Store
	pricing    *pricing.Model
	log        *slog.Logger
	matchDepth int
	maxQty     decimal.Decimal
	notifiers  []Notifier
	now        func() time.Time

	mu     sync.Mutex
	assets map[string]*assetState

	clockMu sync.Mutex
	last    time.Time
}

// assetState is the per-asset lock and the book index it guards. A nil
// index is rebuilt from the store on next use.
type assetState struct {
	mu    sync.Mutex
	index *book.Index
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPricing sets the price-impact model. Defaults to pricing.Default.
func WithPricing(m *pricing.Model) Option {
	return func(e *Engine) { e.pricing = m }
}

// WithMatchDepth sets how many resting orders one matching pass examines.
func WithMatchDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.matchDepth = n
		}
	}
}

// WithMaxOrderQuantity sets the largest accepted order quantity.
func WithMaxOrderQuantity(q decimal.Decimal) Option {
	return func(e *Engine) {
		if q.IsPositive() {
			e.maxQty = q
		}
	}
}

// WithNotifier registers a receiver for committed events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		pricing:    pricing.Default,
		log:        slog.Default(),
		matchDepth: DefaultMatchDepth,
		maxQty:     decimal.NewFromInt(DefaultMaxOrderQuantity),
		now:        time.Now,
		assets:     make(map[string]*assetState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe registers n after construction. Not safe to call concurrently
// with order flow.
func (e *Engine) Subscribe(n Notifier) {
	e.notifiers = append(e.notifiers, n)
}

// PlaceOrder validates, locks, records and executes an order. The returned
// order reflects its state after matching.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	order, err := e.placeOrder(ctx, req)
	result := "accepted"
	switch {
	case err == nil:
	case IsRejection(err):
		result = "rejected"
		metrics.RejectionsTotal.WithLabelValues(reason(err)).Inc()
	default:
		result = "error"
		e.log.Error("place order failed",
			"account", req.AccountID,
			"asset", req.AssetID,
			"side", req.Side.String(),
			"kind", req.Kind.String(),
			"err", err,
		)
	}
	metrics.OrdersTotal.WithLabelValues(req.Side.String(), req.Kind.String(), result).Inc()
	return order, err
}

func (e *Engine) placeOrder(ctx context.Context, req OrderRequest) (*model.Order, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	// Cheap pre-checks; the active flag is re-checked inside the transaction.
	asset, err := e.store.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, notFound(err, ErrAssetNotFound, "asset "+req.AssetID)
	}
	if !asset.Active {
		return nil, fmt.Errorf("asset %s: %w", req.AssetID, ErrAssetInactive)
	}
	if _, err := e.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, notFound(err, ErrAccountNotFound, "account "+req.AccountID)
	}

	st := e.state(req.AssetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ix, err := e.loadIndex(ctx, st, req.AssetID)
	if err != nil {
		return nil, err
	}

	now := e.stamp()
	order := &model.Order{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		AssetID:   req.AssetID,
		Side:      req.Side,
		Kind:      req.Kind,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Filled:    decimal.Zero,
		Status:    model.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	start := time.Now()
	submitted := *order
	var out *outcome
	err = e.store.WithAssetTx(ctx, req.AssetID, func(tx store.Tx) error {
		// A replayed attempt starts from the submitted order.
		*order = submitted
		out = &outcome{order: order}
		a, err := tx.GetAsset(ctx)
		if err != nil {
			return err
		}
		if !a.Active {
			return fmt.Errorf("asset %s: %w", a.ID, ErrAssetInactive)
		}
		out.price = a.ReferencePrice

		switch req.Kind {
		case model.Limit:
			return e.placeLimit(ctx, tx, ix, out)
		case model.Market:
			return e.fillMarket(ctx, tx, a, out)
		default:
			return ErrInvalidOrder
		}
	})
	metrics.OrderLatency.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		if !IsRejection(err) {
			st.index = nil
		}
		return nil, e.translate(err, req.AssetID)
	}

	e.commit(ctx, st, out, EventOrderPlaced)

	e.log.Info("order placed",
		"order", order.ID,
		"account", order.AccountID,
		"asset", order.AssetID,
		"side", order.Side.String(),
		"kind", order.Kind.String(),
		"price", order.Price.String(),
		"qty", order.Quantity.String(),
		"filled", order.Filled.String(),
		"status", order.Status.String(),
		"fills", out.fills,
	)
	return order, nil
}

// CancelOrder cancels a resting order owned by accountID and refunds the
// funds still locked by it.
func (e *Engine) CancelOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	order, err := e.cancelOrder(ctx, accountID, orderID)
	if err != nil {
		if IsRejection(err) {
			metrics.RejectionsTotal.WithLabelValues(reason(err)).Inc()
		} else {
			e.log.Error("cancel order failed", "order", orderID, "account", accountID, "err", err)
		}
		return nil, err
	}
	metrics.CancelsTotal.Inc()
	return order, nil
}

func (e *Engine) cancelOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	existing, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, unknownOrder(err, orderID)
	}
	if existing.AccountID != accountID {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrCannotCancel)
	}

	st := e.state(existing.AssetID)
	st.mu.Lock()
	defer st.mu.Unlock()

	ix, err := e.loadIndex(ctx, st, existing.AssetID)
	if err != nil {
		return nil, err
	}

	var out *outcome
	err = e.store.WithAssetTx(ctx, existing.AssetID, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return unknownOrder(err, orderID)
		}
		// A concurrent fill or cancel may have won the race.
		if o.AccountID != accountID || !o.Status.Resting() {
			return fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrCannotCancel)
		}

		remaining := o.Remaining()
		switch o.Side {
		case model.Buy:
			err = tx.RefundCash(ctx, o.AccountID, remaining.Mul(o.Price))
		case model.Sell:
			err = tx.RefundPosition(ctx, o.AccountID, o.AssetID, remaining)
		default:
			err = fmt.Errorf("order %s has side %s: %w", o.ID, o.Side, ErrInvariant)
		}
		if err != nil {
			return err
		}

		o.Status = model.StatusCancelled
		o.UpdatedAt = e.stamp()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		a, err := tx.GetAsset(ctx)
		if err != nil {
			return err
		}
		out = &outcome{order: o, price: a.ReferencePrice}
		return nil
	})
	if err != nil {
		if !IsRejection(err) {
			st.index = nil
		}
		return nil, e.translate(err, existing.AssetID)
	}

	ix.Remove(orderID)
	e.emit(ctx, Event{
		Type:           EventOrderCancelled,
		AssetID:        out.order.AssetID,
		ReferencePrice: out.price,
		Order:          *out.order,
		Time:           out.order.UpdatedAt,
	})

	e.log.Info("order cancelled",
		"order", orderID,
		"account", accountID,
		"asset", out.order.AssetID,
		"remaining", out.order.Remaining().String(),
	)
	return out.order, nil
}

// GetOrderBook returns the aggregated depth of an asset.
func (e *Engine) GetOrderBook(ctx context.Context, assetID string) (*model.OrderBook, error) {
	b, err := e.store.GetOrderBook(ctx, assetID)
	if err != nil {
		return nil, notFound(err, ErrAssetNotFound, "asset "+assetID)
	}
	return b, nil
}

func (e *Engine) validate(req OrderRequest) error {
	switch {
	case req.AccountID == "":
		return fmt.Errorf("account_id is required: %w", ErrInvalidOrder)
	case req.AssetID == "":
		return fmt.Errorf("asset_id is required: %w", ErrInvalidOrder)
	case !req.Side.Valid():
		return fmt.Errorf("side must be BUY or SELL: %w", ErrInvalidOrder)
	case !req.Kind.Valid():
		return fmt.Errorf("kind must be LIMIT or MARKET: %w", ErrInvalidOrder)
	case !req.Price.IsPositive():
		return fmt.Errorf("price must be positive: %w", ErrInvalidOrder)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("quantity must be positive: %w", ErrInvalidOrder)
	case req.Quantity.GreaterThan(e.maxQty):
		return fmt.Errorf("quantity exceeds %s: %w", e.maxQty, ErrInvalidOrder)
	}
	return nil
}

func (e *Engine) state(assetID string) *assetState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.assets[assetID]
	if !ok {
		st = &assetState{}
		e.assets[assetID] = st
	}
	return st
}

// loadIndex returns the asset's book index, building it from the resting
// orders in the store when absent. Caller holds st.mu.
func (e *Engine) loadIndex(ctx context.Context, st *assetState, assetID string) (*book.Index, error) {
	if st.index != nil {
		return st.index, nil
	}
	resting, err := e.store.ListRestingOrders(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("load book %s: %w", assetID, err)
	}
	st.index = book.FromOrders(resting)
	return st.index, nil
}

// stamp returns a strictly increasing timestamp at microsecond precision,
// so time priority is total even for orders submitted in the same tick.
func (e *Engine) stamp() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()

	t := e.now().UTC().Truncate(time.Microsecond)
	if !t.After(e.last) {
		t = e.last.Add(time.Microsecond)
	}
	e.last = t
	return t
}

// commit applies a committed outcome to the book index, metrics and
// notifiers. Caller holds st.mu.
func (e *Engine) commit(ctx context.Context, st *assetState, out *outcome, typ EventType) {
	ix := st.index
	for _, id := range out.stale {
		ix.Remove(id)
	}
	for i := range out.makers {
		if !out.makers[i].Status.Resting() {
			ix.Remove(out.makers[i].ID)
		}
	}
	if out.order.Status.Resting() {
		ix.Insert(out.order)
	}

	if out.fills > 0 {
		metrics.FillsTotal.WithLabelValues(out.order.Kind.String()).Add(float64(out.fills))
		metrics.AssetVolume.WithLabelValues(out.order.AssetID).Add(out.volume.InexactFloat64())
	}
	if out.priceChanged {
		metrics.ReferencePrice.WithLabelValues(out.order.AssetID).Set(out.price.InexactFloat64())
	}

	e.emit(ctx, Event{
		Type:           typ,
		AssetID:        out.order.AssetID,
		ReferencePrice: out.price,
		PriceChanged:   out.priceChanged,
		Order:          *out.order,
		Trades:         out.trades,
		Time:           out.order.UpdatedAt,
	})
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	for _, n := range e.notifiers {
		n.Notify(ctx, ev)
	}
}

// translate maps store errors escaping a transaction onto engine errors.
// Rows checked before the lock can vanish before it is taken.
func (e *Engine) translate(err error, assetID string) error {
	if errors.Is(err, store.ErrNotFound) && !IsRejection(err) {
		return fmt.Errorf("asset %s: %w: %w", assetID, ErrAssetNotFound, err)
	}
	return err
}

// unknownOrder reports a missing order as both ErrOrderNotFound and
// ErrCannotCancel.
func unknownOrder(err error, orderID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("order %s: %w: %w", orderID, ErrCannotCancel, ErrOrderNotFound)
	}
	return err
}

func notFound(err, sentinel error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, sentinel)
	}
	return err
}
