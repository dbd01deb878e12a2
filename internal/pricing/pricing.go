// Package pricing implements price formation for creator assets: the
// listing price derived from channel popularity, and the price-impact model
// applied when a trade fills against an asset's liquidity pool.
//
// Both functions are pure. All monetary values use shopspring/decimal;
// results are rounded to PriceScale places and floored at MinPrice.
//
// Price impact:
//
//	impact = K * notional / max(liquidity, LiquidityFloor)
//	BUY:  P' = P * (1 + impact)
//	SELL: P' = P * (1 - min(impact, MaxSellImpact))
//
// Higher liquidity dampens the move caused by a fixed-size trade. A BUY
// followed by an equal-notional SELL ends slightly below the start price.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

// Params holds the market-wide pricing constants.
type Params struct {
	// K is the market sensitivity to trade value.
	K decimal.Decimal

	// MinPrice is the lowest price any function returns.
	MinPrice decimal.Decimal

	// LiquidityFloor guards the impact division against tiny liquidity.
	LiquidityFloor decimal.Decimal

	// MaxSellImpact caps the fractional drop of a single SELL.
	MaxSellImpact decimal.Decimal

	// Listing price weights, applied after unit scaling.
	ListingBase       decimal.Decimal
	WeightSubscribers decimal.Decimal // per 1k subscribers
	WeightTotalViews  decimal.Decimal // per 1M lifetime views
	WeightRecentViews decimal.Decimal // per 100k recent views
	ShortsWeight      decimal.Decimal // share of a shorts view counted as recent

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32
}

var (
	subscriberUnit  = decimal.NewFromInt(1_000)
	totalViewsUnit  = decimal.NewFromInt(1_000_000)
	recentViewsUnit = decimal.NewFromInt(100_000)
	one             = decimal.NewFromInt(1)
)

// DefaultParams returns the production pricing constants.
func DefaultParams() Params {
	return Params{
		K:                 decimal.NewFromFloat(0.1),
		MinPrice:          decimal.NewFromInt(10),
		LiquidityFloor:    decimal.NewFromInt(1000),
		MaxSellImpact:     decimal.NewFromFloat(0.99),
		ListingBase:       decimal.NewFromInt(100),
		WeightSubscribers: decimal.NewFromFloat(1.0),
		WeightTotalViews:  decimal.NewFromFloat(0.5),
		WeightRecentViews: decimal.NewFromFloat(2.0),
		ShortsWeight:      decimal.NewFromFloat(0.1),
		PriceScale:        2,
	}
}

// Model evaluates prices for one parameter set. It is stateless.
type Model struct {
	p Params
}

// New returns a model using p.
func New(p Params) *Model {
	return &Model{p: p}
}

// Default is the model every caller uses unless it needs custom constants.
var Default = New(DefaultParams())

// Params returns the constants the model was built with.
func (m *Model) Params() Params {
	return m.p
}

// ListingPrice computes the initial price (P0) of a newly listed asset:
//
//	P0 = base + subs/1k*w1 + views/1M*w2 + recentWeighted/100k*w3
//
// Shorts views inside RecentViews only count at ShortsWeight when provided.
func (m *Model) ListingPrice(stats model.PopularityStats) decimal.Decimal {
	recent := decimal.NewFromInt(stats.RecentViews)
	if stats.RecentShortsViews > 0 {
		shorts := decimal.NewFromInt(stats.RecentShortsViews)
		recent = recent.Sub(shorts).Add(shorts.Mul(m.p.ShortsWeight))
	}

	subsScaled := decimal.NewFromInt(stats.Subscribers).Div(subscriberUnit)
	viewsScaled := decimal.NewFromInt(stats.TotalViews).Div(totalViewsUnit)
	recentScaled := recent.Div(recentViewsUnit)

	p0 := m.p.ListingBase.
		Add(subsScaled.Mul(m.p.WeightSubscribers)).
		Add(viewsScaled.Mul(m.p.WeightTotalViews)).
		Add(recentScaled.Mul(m.p.WeightRecentViews))

	return m.floor(p0.Round(m.p.PriceScale))
}

// Impact returns the fractional price move caused by a trade of the given
// notional value against the given liquidity, before any SELL clamp.
func (m *Model) Impact(notional, liquidity decimal.Decimal) decimal.Decimal {
	safe := decimal.Max(liquidity, m.p.LiquidityFloor)
	return m.p.K.Mul(notional.Abs()).Div(safe)
}

// SellFactor returns the multiplier applied to the price on a SELL. It is
// always within [1-MaxSellImpact, 1].
func (m *Model) SellFactor(notional, liquidity decimal.Decimal) decimal.Decimal {
	return one.Sub(decimal.Min(m.Impact(notional, liquidity), m.p.MaxSellImpact))
}

// ApplyPriceImpact computes the post-trade price.
func (m *Model) ApplyPriceImpact(current, notional decimal.Decimal, side model.Side, liquidity decimal.Decimal) decimal.Decimal {
	var next decimal.Decimal
	switch side {
	case model.Buy:
		next = current.Mul(one.Add(m.Impact(notional, liquidity)))
	case model.Sell:
		next = current.Mul(m.SellFactor(notional, liquidity))
	default:
		next = current
	}
	return m.floor(next.Round(m.p.PriceScale))
}

// TradeImpact values a trade of qty at the current price and returns the
// notional together with the resulting price.
func (m *Model) TradeImpact(qty, current decimal.Decimal, side model.Side, liquidity decimal.Decimal) (notional, newPrice decimal.Decimal) {
	notional = qty.Mul(current)
	return notional, m.ApplyPriceImpact(current, notional, side, liquidity)
}

func (m *Model) floor(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(m.p.MinPrice) {
		return m.p.MinPrice
	}
	return p
}

// ListingPrice evaluates the default model.
func ListingPrice(stats model.PopularityStats) decimal.Decimal {
	return Default.ListingPrice(stats)
}

// ApplyPriceImpact evaluates the default model.
func ApplyPriceImpact(current, notional decimal.Decimal, side model.Side, liquidity decimal.Decimal) decimal.Decimal {
	return Default.ApplyPriceImpact(current, notional, side, liquidity)
}
