package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorx/market-engine/internal/model"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func order(id string, side model.Side, price float64, offset time.Duration) *model.Order {
	return &model.Order{
		ID:        id,
		Side:      side,
		Kind:      model.Limit,
		Price:     decimal.NewFromFloat(price),
		Quantity:  decimal.NewFromInt(1),
		Status:    model.StatusOpen,
		CreatedAt: t0.Add(offset),
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.OrderID
	}
	return out
}

func TestCrossing_AsksBestPriceThenTime(t *testing.T) {
	ix := New()
	ix.Insert(order("a105", model.Sell, 105, 0))
	ix.Insert(order("a100-late", model.Sell, 100, 2*time.Second))
	ix.Insert(order("a100-early", model.Sell, 100, time.Second))
	ix.Insert(order("a110", model.Sell, 110, 0))

	got := ix.Crossing(model.Buy, decimal.NewFromInt(105), 0)
	assert.Equal(t, []string{"a100-early", "a100-late", "a105"}, ids(got))
}

func TestCrossing_BidsHighestFirst(t *testing.T) {
	ix := New()
	ix.Insert(order("b95", model.Buy, 95, 0))
	ix.Insert(order("b99", model.Buy, 99, time.Second))
	ix.Insert(order("b90", model.Buy, 90, 0))

	got := ix.Crossing(model.Sell, decimal.NewFromInt(92), 0)
	assert.Equal(t, []string{"b99", "b95"}, ids(got))
}

func TestCrossing_RespectsMax(t *testing.T) {
	ix := New()
	for i := 0; i < 10; i++ {
		ix.Insert(order(string(rune('a'+i)), model.Sell, 100, time.Duration(i)*time.Millisecond))
	}
	got := ix.Crossing(model.Buy, decimal.NewFromInt(100), 3)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestCrossing_IgnoresSameSide(t *testing.T) {
	ix := New()
	ix.Insert(order("bid", model.Buy, 100, 0))
	assert.Empty(t, ix.Crossing(model.Buy, decimal.NewFromInt(1000), 0))
}

func TestCrossing_SameTimestampTieBreaksOnID(t *testing.T) {
	ix := New()
	ix.Insert(order("z", model.Sell, 100, 0))
	ix.Insert(order("m", model.Sell, 100, 0))
	got := ix.Crossing(model.Buy, decimal.NewFromInt(100), 0)
	assert.Equal(t, []string{"m", "z"}, ids(got))
}

func TestRemove(t *testing.T) {
	ix := New()
	ix.Insert(order("a", model.Sell, 100, 0))
	ix.Insert(order("b", model.Sell, 101, 0))

	require.True(t, ix.Remove("a"))
	assert.False(t, ix.Remove("a"))
	assert.False(t, ix.Contains("a"))
	assert.Equal(t, 1, ix.Len())

	best, ok := ix.Best(model.Sell)
	require.True(t, ok)
	assert.Equal(t, "b", best.OrderID)
}

func TestInsert_ReplacesExisting(t *testing.T) {
	ix := New()
	o := order("a", model.Sell, 100, 0)
	ix.Insert(o)
	o.Price = decimal.NewFromInt(120)
	ix.Insert(o)

	assert.Equal(t, 1, ix.Len())
	assert.Empty(t, ix.Crossing(model.Buy, decimal.NewFromInt(110), 0))
}

func TestFromOrders_SkipsTerminal(t *testing.T) {
	filled := order("done", model.Sell, 100, 0)
	filled.Status = model.StatusFilled
	partial := order("part", model.Sell, 101, 0)
	partial.Status = model.StatusPartial

	ix := FromOrders([]model.Order{*filled, *partial})
	assert.Equal(t, 1, ix.Len())
	assert.True(t, ix.Contains("part"))
}
