package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	ctx context.Context
	st  *store.MemoryStore
	eng *engine.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateAsset(ctx, &model.Asset{
		ID: "X", Handle: "@x", Name: "X", ReferencePrice: d(100), InitialPrice: d(100),
		Liquidity: d(100000), Active: true,
	}))
	return &env{ctx: ctx, st: st, eng: engine.New(st)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.StepDelay = 0
	return cfg
}

// clock is a settable time source.
type clock struct{ t atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.t.Store(time.Now().UnixNano())
	return c
}
func (c *clock) now() time.Time          { return time.Unix(0, c.t.Load()) }
func (c *clock) advance(d time.Duration) { c.t.Add(int64(d)) }

func TestStep_IdleWithoutAgents(t *testing.T) {
	e := newEnv(t)
	a := New(e.eng, e.st, testConfig(), WithSeed(1))
	out, err := a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, out)
}

func TestSpawn_TopsUp(t *testing.T) {
	e := newEnv(t)
	agents, err := Spawn(e.ctx, e.st, 3, d(100000))
	require.NoError(t, err)
	require.Len(t, agents, 3)
	for _, a := range agents {
		assert.True(t, a.IsAgent)
		assert.True(t, a.Balance.Equal(d(100000)))
	}

	agents, err = Spawn(e.ctx, e.st, 3, d(100000))
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestSeedLiquidity_Ladder(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(1000))
	require.NoError(t, err)

	n, err := SeedLiquidity(e.ctx, e.eng, e.st, DefaultSeedConfig())
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	book, err := e.eng.GetOrderBook(e.ctx, "X")
	require.NoError(t, err)
	require.Len(t, book.Asks, 5)
	require.Len(t, book.Bids, 5)
	assert.True(t, book.Asks[0].Price.Equal(d(101)))
	assert.True(t, book.Asks[4].Price.Equal(d(105)))
	assert.True(t, book.Bids[0].Price.Equal(d(99)))
	assert.True(t, book.Bids[4].Price.Equal(d(95)))
	assert.True(t, book.Asks[0].Quantity.Equal(d(10)))

	// Non-empty books are left alone.
	n, err = SeedLiquidity(e.ctx, e.eng, e.st, DefaultSeedConfig())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeedLiquidity_NoAgents(t *testing.T) {
	e := newEnv(t)
	_, err := SeedLiquidity(e.ctx, e.eng, e.st, DefaultSeedConfig())
	assert.Error(t, err)
}

func TestStep_MakerQuotesBelowReferenceThenCoolsDown(t *testing.T) {
	e := newEnv(t)
	agents, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 1
	c := newClock()
	a := New(e.eng, e.st, cfg, WithSeed(7), WithClock(c.now))

	out, err := a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaker, out)

	orders, err := e.st.ListOrdersByAccount(e.ctx, agents[0].ID, true)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, model.Buy, o.Side)
	assert.True(t, o.Price.LessThanOrEqual(d(99)), "price %s", o.Price)
	assert.True(t, o.Price.GreaterThanOrEqual(d(90)), "price %s", o.Price)
	// 2% of 100000 capped at 2000.
	assert.True(t, o.Price.Mul(o.Quantity).LessThanOrEqual(d(2000)))

	out, err = a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCooldown, out)

	c.advance(31 * time.Minute)
	out, err = a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaker, out)
}

func TestStep_TakerCrossesSeededBook(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)
	_, err = SeedLiquidity(e.ctx, e.eng, e.st, DefaultSeedConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 0
	a := New(e.eng, e.st, cfg, WithSeed(3))

	out, err := a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTaker, out)

	trades, err := e.st.ListTradesByAsset(e.ctx, "X", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, trades)
}

func TestStep_SellOnlyWithInventory(t *testing.T) {
	e := newEnv(t)
	agents, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 1
	cfg.CooldownMin, cfg.CooldownMax = 0, 0
	a := New(e.eng, e.st, cfg, WithSeed(11))
	for i := 0; i < 20; i++ {
		_, err := a.Step(e.ctx)
		require.NoError(t, err)
	}
	orders, err := e.st.ListOrdersByAccount(e.ctx, agents[0].ID, false)
	require.NoError(t, err)
	for _, o := range orders {
		assert.Equal(t, model.Buy, o.Side)
	}
}

func TestStep_LimitedBySmallBudget(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(1000))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 1
	a := New(e.eng, e.st, cfg, WithSeed(1))

	// 2% of 1000 buys nothing at ~100.
	out, err := a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimited, out)
}

func TestStep_ExpiresOldQuotes(t *testing.T) {
	e := newEnv(t)
	agents, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 1
	cfg.OrderTTL = time.Minute
	c := newClock()
	a := New(e.eng, e.st, cfg, WithSeed(5), WithClock(c.now))

	_, err = a.Step(e.ctx)
	require.NoError(t, err)
	first, err := e.st.ListOrdersByAccount(e.ctx, agents[0].ID, true)
	require.NoError(t, err)
	require.Len(t, first, 1)

	c.advance(2 * time.Minute)
	_, err = a.Step(e.ctx)
	require.NoError(t, err)

	o, err := e.st.GetOrder(e.ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, o.Status)
}

// stubPlacer returns a fixed error.
type stubPlacer struct{ err error }

func (p stubPlacer) PlaceOrder(context.Context, engine.OrderRequest) (*model.Order, error) {
	return nil, p.err
}

func (p stubPlacer) CancelOrder(context.Context, string, string) (*model.Order, error) {
	return nil, p.err
}

func TestStep_RejectionSwallowed(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	a := New(stubPlacer{err: engine.ErrInsufficientBalance}, e.st, testConfig(), WithSeed(1))
	out, err := a.Step(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
}

func TestStep_InvariantPropagates(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	a := New(stubPlacer{err: engine.ErrInvariant}, e.st, testConfig(), WithSeed(1))
	_, err = a.Step(e.ctx)
	assert.ErrorIs(t, err, engine.ErrInvariant)
}

func TestSupervisor_RunsUntilStopped(t *testing.T) {
	e := newEnv(t)
	agents, err := Spawn(e.ctx, e.st, 2, d(100000))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MakerProbability = 1
	s := New(e.eng, e.st, cfg, WithSeed(9)).Start(e.ctx)

	require.Eventually(t, func() bool {
		n := 0
		for _, a := range agents {
			orders, _ := e.st.ListOrdersByAccount(e.ctx, a.ID, false)
			n += len(orders)
		}
		return n > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, s.Stop())
}

func TestSupervisor_HaltsOnInvariant(t *testing.T) {
	e := newEnv(t)
	_, err := Spawn(e.ctx, e.st, 1, d(100000))
	require.NoError(t, err)

	s := New(stubPlacer{err: engine.ErrInvariant}, e.st, testConfig(), WithSeed(1)).Start(e.ctx)
	select {
	case <-s.Dead():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not halt")
	}
	err = s.Stop()
	assert.True(t, errors.Is(err, engine.ErrInvariant), "got %v", err)
}
