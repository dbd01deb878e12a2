package journal

import (
	"context"
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

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mkPrint(id string, at time.Duration, price, qty float64) Print {
	return Print{ID: id, AssetID: "X", Side: model.Buy, Price: d(price), Quantity: d(qty), Time: t0.Add(at)}
}

func TestAppendAndRange(t *testing.T) {
	j := openJournal(t)
	require.NoError(t, j.Append([]Print{
		mkPrint("a", 0, 100, 1),
		mkPrint("b", time.Minute, 101, 2),
		mkPrint("c", 2*time.Minute, 102, 3),
	}))
	require.NoError(t, j.Append([]Print{{ID: "z", AssetID: "Y", Price: d(5), Quantity: d(1), Time: t0}}))

	all, err := j.Prints("X", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	window, err := j.Prints("X", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "b", window[0].ID)

	last, err := j.Last("X", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "b", last[0].ID)
	assert.Equal(t, "c", last[1].ID)
}

func TestNotify_RecordsTakerSideOnly(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	st := store.NewMemoryStore()
	require.NoError(t, st.CreateAsset(ctx, &model.Asset{ID: "X", Handle: "@x", ReferencePrice: d(100), Liquidity: d(10000), Active: true}))
	for _, id := range []string{"maker", "taker"} {
		require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: id, Balance: d(10000), InitialBudget: d(10000)}))
	}
	require.NoError(t, st.GrantPosition(ctx, "maker", "X", d(10), d(90)))

	eng := engine.New(st, engine.WithNotifier(j))
	_, err := eng.PlaceOrder(ctx, engine.OrderRequest{AccountID: "maker", AssetID: "X", Side: model.Sell, Kind: model.Limit, Price: d(100), Quantity: d(5)})
	require.NoError(t, err)
	taker, err := eng.PlaceOrder(ctx, engine.OrderRequest{AccountID: "taker", AssetID: "X", Side: model.Buy, Kind: model.Limit, Price: d(105), Quantity: d(3)})
	require.NoError(t, err)

	prints, err := j.Prints("X", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, prints, 1)
	assert.Equal(t, model.Buy, prints[0].Side)
	assert.True(t, prints[0].Price.Equal(d(100)))
	assert.True(t, prints[0].Quantity.Equal(d(3)))
	assert.True(t, prints[0].Time.Equal(taker.CreatedAt))
}

func TestFromTrades_CollapsesBookLegs(t *testing.T) {
	trades := []model.Trade{
		{ID: "1", AssetID: "X", Side: model.Buy, Price: d(100), Quantity: d(2), CreatedAt: t0},
		{ID: "2", AssetID: "X", Side: model.Sell, Price: d(100), Quantity: d(2), CreatedAt: t0},
		{ID: "3", AssetID: "X", Side: model.Buy, Price: d(100), Quantity: d(1), CreatedAt: t0},
		{ID: "4", AssetID: "X", Side: model.Sell, Price: d(100), Quantity: d(1), CreatedAt: t0},
		{ID: "5", AssetID: "X", Side: model.Sell, Price: d(99), Quantity: d(4), CreatedAt: t0.Add(time.Second)},
	}
	prints := FromTrades(trades)
	require.Len(t, prints, 2)
	assert.True(t, prints[0].Quantity.Equal(d(3)))
	assert.True(t, prints[1].Quantity.Equal(d(4)))
	assert.True(t, prints[1].Price.Equal(d(99)))
}

func TestCandles_Buckets(t *testing.T) {
	prints := []Print{
		mkPrint("a", 0, 100, 1),
		mkPrint("b", time.Minute, 104, 2),
		mkPrint("c", 2*time.Minute, 98, 1),
		mkPrint("d", 4*time.Minute, 101, 1),
		mkPrint("e", 11*time.Minute, 110, 5),
	}
	candles := Candles(prints, 5*time.Minute)
	require.Len(t, candles, 2)

	c := candles[0]
	assert.True(t, c.Time.Equal(t0))
	assert.True(t, c.Open.Equal(d(100)))
	assert.True(t, c.High.Equal(d(104)))
	assert.True(t, c.Low.Equal(d(98)))
	assert.True(t, c.Close.Equal(d(101)))
	assert.True(t, c.Volume.Equal(d(5)))

	assert.True(t, candles[1].Time.Equal(t0.Add(10*time.Minute)))
	assert.True(t, candles[1].Volume.Equal(d(5)))
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("")
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, iv)

	iv, err = ParseInterval("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, iv)

	for _, bad := range []string{"10s", "48h", "abc"} {
		_, err := ParseInterval(bad)
		assert.ErrorIs(t, err, ErrInvalidInterval, bad)
	}
}

func TestAppend_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, j.Append([]Print{mkPrint("a", 0, 100, 1), mkPrint("b", time.Second, 101, 2)}))
	require.NoError(t, j.Close())

	j, err = Open(dir, nil)
	require.NoError(t, err)
	defer j.Close()

	prints, err := j.Prints("X", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, prints, 2)
	assert.Equal(t, "b", prints[1].ID)
	assert.True(t, prints[1].Price.Equal(d(101)))
}
