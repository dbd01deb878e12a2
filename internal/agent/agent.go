// Package agent implements synthetic liquidity: automated accounts that
// quote around each asset's reference price and occasionally cross the
// spread, so the book always has depth.
//
// Agents trade through the same PlaceOrder/CancelOrder surface as any
// other client and are subject to the same ledger checks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/limits"
	"github.com/creatorx/market-engine/internal/metrics"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/store"
)

// Placer submits and cancels orders. *engine.Engine implements it.
type Placer interface {
	PlaceOrder(ctx context.Context, req engine.OrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, accountID, orderID string) (*model.Order, error)
}

// Outcome labels the result of one Step.
type Outcome string

const (
	OutcomeMaker    Outcome = "maker"
	OutcomeTaker    Outcome = "taker"
	OutcomeCooldown Outcome = "cooldown"
	OutcomeIdle     Outcome = "idle"     // no agents or no active assets
	OutcomeRejected Outcome = "rejected" // engine refused the order
	OutcomeLimited  Outcome = "limited"  // sizing or exposure caps left nothing to trade
)

type Config struct {
	// MakerProbability is the chance a step quotes passively.
	MakerProbability float64

	// Maker quotes are placed MakerOffsetMin..MakerOffsetMax away from the
	// reference price; takers cross by TakerOffset.
	MakerOffsetMin decimal.Decimal
	MakerOffsetMax decimal.Decimal
	TakerOffset    decimal.Decimal

	Caps limits.Caps

	// An agent rests on an asset for a random time in [CooldownMin,
	// CooldownMax] after trading it.
	CooldownMin time.Duration
	CooldownMax time.Duration

	// OrderTTL is how long an agent's quote may rest before the agent
	// cancels it. Zero keeps quotes until filled.
	OrderTTL time.Duration

	// Supervisor pacing.
	Interval        time.Duration
	StepDelay       time.Duration
	MaxStepsPerTick int
}

func DefaultConfig() Config {
	return Config{
		MakerProbability: 0.7,
		MakerOffsetMin:   decimal.NewFromFloat(0.01),
		MakerOffsetMax:   decimal.NewFromFloat(0.10),
		TakerOffset:      decimal.NewFromFloat(0.02),
		Caps:             limits.DefaultCaps(),
		CooldownMin:      5 * time.Minute,
		CooldownMax:      30 * time.Minute,
		OrderTTL:         15 * time.Minute,
		Interval:         10 * time.Second,
		StepDelay:        500 * time.Millisecond,
		MaxStepsPerTick:  5,
	}
}

// Agent drives every agent account in the store.
type Agent struct {
	placer Placer
	store  store.Store
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	cooldown map[string]time.Time // accountID|assetID → earliest next trade
}

type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithSeed makes the agent's choices reproducible.
func WithSeed(seed int64) Option {
	return func(a *Agent) { a.rng = rand.New(rand.NewSource(seed)) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func New(placer Placer, st store.Store, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		placer:   placer,
		store:    st,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		cooldown: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Step performs one agent action. Rejections and cap hits are reported in
// the outcome with a nil error; store faults and ErrInvariant are returned.
func (a *Agent) Step(ctx context.Context) (Outcome, error) {
	out, err := a.step(ctx)
	if err != nil {
		metrics.AgentSteps.WithLabelValues("error").Inc()
		return out, err
	}
	metrics.AgentSteps.WithLabelValues(string(out)).Inc()
	return out, nil
}

func (a *Agent) step(ctx context.Context) (Outcome, error) {
	agents, err := a.store.ListAgentAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	assets, err := a.store.ListAssets(ctx, true)
	if err != nil {
		return "", fmt.Errorf("list assets: %w", err)
	}
	if len(agents) == 0 || len(assets) == 0 {
		return OutcomeIdle, nil
	}

	a.mu.Lock()
	acct := agents[a.rng.Intn(len(agents))]
	asset := assets[a.rng.Intn(len(assets))]
	a.mu.Unlock()

	if err := a.expire(ctx, acct.ID); err != nil {
		return "", err
	}

	now := a.now()
	key := acct.ID + "|" + asset.ID
	a.mu.Lock()
	until, cooling := a.cooldown[key]
	a.mu.Unlock()
	if cooling && now.Before(until) {
		return OutcomeCooldown, nil
	}

	// Balance may have moved since the listing above.
	acctNow, err := a.store.GetAccount(ctx, acct.ID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	held, err := a.held(ctx, acct.ID, asset.ID)
	if err != nil {
		return "", err
	}

	maker, side, offset := a.decide(held)
	ref := asset.ReferencePrice
	var price decimal.Decimal
	switch {
	case maker && side == model.Buy, !maker && side == model.Sell:
		price = ref.Mul(decimal.NewFromInt(1).Sub(offset))
	default:
		price = ref.Mul(decimal.NewFromInt(1).Add(offset))
	}
	price = price.Round(2)

	var qty decimal.Decimal
	if side == model.Buy {
		qty, err = a.buyQuantity(ctx, acctNow, asset, held, price)
	} else {
		qty, err = a.cfg.Caps.SellQuantity(held, price)
	}
	if err != nil {
		if limits.IsLimit(err) {
			return OutcomeLimited, nil
		}
		return "", err
	}

	o, err := a.placer.PlaceOrder(ctx, engine.OrderRequest{
		AccountID: acct.ID,
		AssetID:   asset.ID,
		Side:      side,
		Kind:      model.Limit,
		Price:     price,
		Quantity:  qty,
	})
	if err != nil {
		if engine.IsRejection(err) {
			a.log.Debug("agent order rejected", "account_id", acct.ID, "asset_id", asset.ID, "err", err)
			return OutcomeRejected, nil
		}
		return "", err
	}

	a.mu.Lock()
	a.cooldown[key] = now.Add(a.cooldownFor())
	a.mu.Unlock()

	outcome := OutcomeTaker
	if maker {
		outcome = OutcomeMaker
	}
	a.log.Info("agent order placed",
		"account_id", acct.ID,
		"asset_id", asset.ID,
		"role", outcome,
		"side", side.String(),
		"price", price.String(),
		"quantity", qty.String(),
		"status", o.Status.String(),
	)
	return outcome, nil
}

// decide picks role, side and price offset. SELL requires inventory.
func (a *Agent) decide(held decimal.Decimal) (maker bool, side model.Side, offset decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	maker = a.rng.Float64() < a.cfg.MakerProbability
	side = model.Buy
	if held.GreaterThanOrEqual(decimal.NewFromInt(1)) && a.rng.Intn(2) == 1 {
		side = model.Sell
	}
	if !maker {
		return maker, side, a.cfg.TakerOffset
	}
	span := a.cfg.MakerOffsetMax.Sub(a.cfg.MakerOffsetMin)
	offset = a.cfg.MakerOffsetMin.Add(span.Mul(decimal.NewFromFloat(a.rng.Float64())))
	return maker, side, offset.Round(4)
}

func (a *Agent) cooldownFor() time.Duration {
	span := a.cfg.CooldownMax - a.cfg.CooldownMin
	if span <= 0 {
		return a.cfg.CooldownMin
	}
	return a.cfg.CooldownMin + time.Duration(a.rng.Int63n(int64(span)+1))
}

func (a *Agent) held(ctx context.Context, accountID, assetID string) (decimal.Decimal, error) {
	p, err := a.store.GetPosition(ctx, accountID, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get position: %w", err)
	}
	return p.Quantity, nil
}

// buyQuantity sizes a buy and checks it against the exposure caps, valuing
// every holding at its asset's reference price.
func (a *Agent) buyQuantity(ctx context.Context, acct *model.Account, asset model.Asset, held, price decimal.Decimal) (decimal.Decimal, error) {
	qty, err := a.cfg.Caps.BuyQuantity(acct.Balance, acct.InitialBudget, held.Mul(asset.ReferencePrice), price)
	if err != nil {
		return decimal.Zero, err
	}

	positions, err := a.store.ListPositions(ctx, acct.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list positions: %w", err)
	}
	exposures := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		ref := asset.ReferencePrice
		if p.AssetID != asset.ID {
			other, err := a.store.GetAsset(ctx, p.AssetID)
			if err != nil {
				return decimal.Zero, fmt.Errorf("get asset: %w", err)
			}
			ref = other.ReferencePrice
		}
		exposures[p.AssetID] = p.Quantity.Mul(ref)
	}
	if err := a.cfg.Caps.CheckLimit(asset.ID, qty.Mul(price), acct.InitialBudget, exposures); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// expire cancels the account's quotes older than OrderTTL.
func (a *Agent) expire(ctx context.Context, accountID string) error {
	if a.cfg.OrderTTL <= 0 {
		return nil
	}
	orders, err := a.store.ListOrdersByAccount(ctx, accountID, true)
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	cutoff := a.now().Add(-a.cfg.OrderTTL)
	for _, o := range orders {
		if !o.CreatedAt.Before(cutoff) {
			continue
		}
		if _, err := a.placer.CancelOrder(ctx, accountID, o.ID); err != nil {
			if engine.IsRejection(err) {
				continue // filled or cancelled meanwhile
			}
			return fmt.Errorf("cancel expired order %s: %w", o.ID, err)
		}
		a.log.Info("agent quote expired", "account_id", accountID, "order_id", o.ID)
	}
	return nil
}
