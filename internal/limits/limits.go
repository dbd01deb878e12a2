// Package limits sizes trades and enforces exposure caps for automated
// traders.
//
// Sizing is bounded by an absolute notional cap and a fraction of the
// account's free cash. Exposure is bounded per asset and in aggregate, both
// as fractions of the account's initial budget, measured at reference
// prices. All results are whole shares.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerAssetLimitExceeded is returned when a buy would push one
	// asset's holding value beyond the per-asset maximum.
	ErrPerAssetLimitExceeded = errors.New("limits: per-asset exposure limit exceeded")

	// ErrTotalLimitExceeded is returned when a buy would push the value of
	// all holdings beyond the aggregate maximum.
	ErrTotalLimitExceeded = errors.New("limits: total exposure limit exceeded")

	// ErrBelowMinimum is returned when the caps leave less than one share.
	ErrBelowMinimum = errors.New("limits: trade size below one share")
)

// Caps holds the sizing and exposure constants.
type Caps struct {
	// MaxTradeNotional is the largest value of a single trade.
	MaxTradeNotional decimal.Decimal

	// TradePct is the fraction of free cash one buy may spend.
	TradePct decimal.Decimal

	// MaxPositionPct is the largest value of one holding as a fraction of
	// the initial budget.
	MaxPositionPct decimal.Decimal

	// MaxExposurePct is the largest value of all holdings as a fraction of
	// the initial budget. Zero disables the aggregate check.
	MaxExposurePct decimal.Decimal
}

// DefaultCaps returns the caps used by the liquidity agents.
func DefaultCaps() Caps {
	return Caps{
		MaxTradeNotional: decimal.NewFromInt(2000),
		TradePct:         decimal.NewFromFloat(0.02),
		MaxPositionPct:   decimal.NewFromFloat(0.20),
		MaxExposurePct:   decimal.NewFromInt(1),
	}
}

// BuyQuantity returns the whole number of shares a buy at price may take,
// given the account's free cash and its current holding value in the asset.
func (c Caps) BuyQuantity(balance, initialBudget, heldValue, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrBelowMinimum
	}
	budget := decimal.Min(c.MaxTradeNotional, balance.Mul(c.TradePct))

	headroom := initialBudget.Mul(c.MaxPositionPct).Sub(heldValue)
	if !headroom.IsPositive() {
		return decimal.Zero, ErrPerAssetLimitExceeded
	}
	budget = decimal.Min(budget, headroom)

	qty := budget.Div(price).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrBelowMinimum
	}
	return qty, nil
}

// SellQuantity returns the whole number of shares a sell at price may
// offer. It never exceeds held.
func (c Caps) SellQuantity(held, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrBelowMinimum
	}
	qty := decimal.Min(held, c.MaxTradeNotional.Div(price)).Floor()
	if qty.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrBelowMinimum
	}
	return qty, nil
}

// CheckLimit validates a buy adding deltaValue to assetID's holding value.
// exposures maps asset ID to the account's current holding value.
func (c Caps) CheckLimit(
	assetID string,
	deltaValue decimal.Decimal,
	initialBudget decimal.Decimal,
	exposures map[string]decimal.Decimal,
) error {
	// 1. Per-asset limit.
	next := exposures[assetID].Add(deltaValue)
	if next.GreaterThan(initialBudget.Mul(c.MaxPositionPct)) {
		return ErrPerAssetLimitExceeded
	}

	// 2. Aggregate exposure across every holding.
	if c.MaxExposurePct.IsZero() {
		return nil
	}
	total := next
	for id, v := range exposures {
		if id == assetID {
			continue // already counted via next above
		}
		total = total.Add(v.Abs())
	}
	if total.GreaterThan(initialBudget.Mul(c.MaxExposurePct)) {
		return ErrTotalLimitExceeded
	}
	return nil
}

// IsLimit reports whether err came from this package.
func IsLimit(err error) bool {
	return errors.Is(err, ErrPerAssetLimitExceeded) ||
		errors.Is(err, ErrTotalLimitExceeded) ||
		errors.Is(err, ErrBelowMinimum)
}
