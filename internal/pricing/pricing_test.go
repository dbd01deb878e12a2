package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/creatorx/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Listing price ---

func TestListingPrice_BaseOnly(t *testing.T) {
	got := ListingPrice(model.PopularityStats{})
	if !got.Equal(d(100)) {
		t.Errorf("expected base price 100, got %s", got)
	}
}

func TestListingPrice_WeightedSum(t *testing.T) {
	got := ListingPrice(model.PopularityStats{
		Subscribers: 1_000_000,   // 1000 units × 1.0
		TotalViews:  500_000_000, // 500 units × 0.5
		RecentViews: 2_000_000,   // 20 units × 2.0
	})
	if !got.Equal(d(1390)) {
		t.Errorf("expected 1390, got %s", got)
	}
}

func TestListingPrice_ShortsDeweighted(t *testing.T) {
	got := ListingPrice(model.PopularityStats{
		RecentViews:       1_000_000,
		RecentShortsViews: 500_000, // counts as 50k
	})
	// recent weighted = 550k → 5.5 units × 2.0 = 11
	if !got.Equal(d(111)) {
		t.Errorf("expected 111, got %s", got)
	}
}

func TestListingPrice_RoundsToCents(t *testing.T) {
	got := ListingPrice(model.PopularityStats{Subscribers: 1234})
	if !got.Equal(d(101.23)) {
		t.Errorf("expected 101.23, got %s", got)
	}
}

func TestListingPrice_FlooredAtMinPrice(t *testing.T) {
	p := DefaultParams()
	p.ListingBase = decimal.Zero
	got := New(p).ListingPrice(model.PopularityStats{Subscribers: 10})
	if !got.Equal(p.MinPrice) {
		t.Errorf("expected floor %s, got %s", p.MinPrice, got)
	}
}

// --- Price impact ---

func TestApplyPriceImpact_Buy(t *testing.T) {
	// impact = 0.1 × 10000 / 100000 = 0.01
	got := ApplyPriceImpact(d(100), d(10000), model.Buy, d(100000))
	if !got.Equal(d(101)) {
		t.Errorf("expected 101, got %s", got)
	}
}

func TestApplyPriceImpact_Sell(t *testing.T) {
	got := ApplyPriceImpact(d(100), d(10000), model.Sell, d(100000))
	if !got.Equal(d(99)) {
		t.Errorf("expected 99, got %s", got)
	}
}

func TestApplyPriceImpact_LiquidityFloor(t *testing.T) {
	// liquidity 10 is floored to 1000: impact = 0.1 × 1000 / 1000 = 0.1
	got := ApplyPriceImpact(d(100), d(1000), model.Buy, d(10))
	if !got.Equal(d(110)) {
		t.Errorf("expected 110, got %s", got)
	}
}

func TestApplyPriceImpact_SellClampedAndFloored(t *testing.T) {
	got := ApplyPriceImpact(d(100), d(1e9), model.Sell, d(1000))
	// factor clamps to 0.01 → 1, then floored at MinPrice.
	if !got.Equal(DefaultParams().MinPrice) {
		t.Errorf("expected MinPrice, got %s", got)
	}
}

func TestApplyPriceImpact_HigherLiquidityMovesLess(t *testing.T) {
	shallow := ApplyPriceImpact(d(100), d(5000), model.Buy, d(10000))
	deep := ApplyPriceImpact(d(100), d(5000), model.Buy, d(100000))
	if !deep.LessThan(shallow) {
		t.Errorf("deeper market should move less: shallow=%s deep=%s", shallow, deep)
	}
}

func TestApplyPriceImpact_BuyThenSellEndsLower(t *testing.T) {
	start := d(100)
	up := ApplyPriceImpact(start, d(20000), model.Buy, d(100000))
	down := ApplyPriceImpact(up, d(20000), model.Sell, d(100000))
	if !down.LessThan(start) {
		t.Errorf("round trip should end below start: start=%s end=%s", start, down)
	}
}

func TestTradeImpact_ValuesAtCurrentPrice(t *testing.T) {
	notional, next := Default.TradeImpact(d(10), d(100), model.Buy, d(10000))
	if !notional.Equal(d(1000)) {
		t.Errorf("expected notional 1000, got %s", notional)
	}
	if !next.Equal(d(101)) {
		t.Errorf("expected 101, got %s", next)
	}
}

// --- Properties ---

func TestProperty_PriceNeverBelowMinimum(t *testing.T) {
	min := DefaultParams().MinPrice
	rapid.Check(t, func(t *rapid.T) {
		price := decimal.NewFromInt(rapid.Int64Range(10, 1_000_000).Draw(t, "price"))
		notional := decimal.NewFromInt(rapid.Int64Range(0, 1_000_000_000).Draw(t, "notional"))
		liquidity := decimal.NewFromInt(rapid.Int64Range(0, 10_000_000).Draw(t, "liquidity"))
		side := rapid.SampledFrom([]model.Side{model.Buy, model.Sell}).Draw(t, "side")

		got := ApplyPriceImpact(price, notional, side, liquidity)
		if got.LessThan(min) {
			t.Fatalf("price %s below minimum %s", got, min)
		}
	})
}

func TestProperty_SellFactorBounded(t *testing.T) {
	lo, hi := d(0.01), d(1)
	rapid.Check(t, func(t *rapid.T) {
		notional := decimal.NewFromInt(rapid.Int64Range(0, 1_000_000_000).Draw(t, "notional"))
		liquidity := decimal.NewFromInt(rapid.Int64Range(0, 10_000_000).Draw(t, "liquidity"))

		f := Default.SellFactor(notional, liquidity)
		if f.LessThan(lo) || f.GreaterThan(hi) {
			t.Fatalf("sell factor %s outside [0.01, 1]", f)
		}
	})
}

func TestProperty_BuyNeverLowersSellNeverRaises(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		price := decimal.NewFromInt(rapid.Int64Range(10, 100_000).Draw(t, "price"))
		notional := decimal.NewFromInt(rapid.Int64Range(0, 10_000_000).Draw(t, "notional"))
		liquidity := decimal.NewFromInt(rapid.Int64Range(1000, 10_000_000).Draw(t, "liquidity"))

		if up := ApplyPriceImpact(price, notional, model.Buy, liquidity); up.LessThan(price) {
			t.Fatalf("buy lowered price %s → %s", price, up)
		}
		if down := ApplyPriceImpact(price, notional, model.Sell, liquidity); down.GreaterThan(price) {
			t.Fatalf("sell raised price %s → %s", price, down)
		}
	})
}
