package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/book"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/store"
)

// outcome collects what one transaction did, for the post-commit index
// update and notifications.
type outcome struct {
	order        *model.Order
	makers       []model.Order
	trades       []model.Trade
	stale        []string // indexed ids found no longer resting
	price        decimal.Decimal
	priceChanged bool
	fills        int
	volume       decimal.Decimal
}

// placeLimit locks the order's funds at its limit price, records it OPEN
// and matches it against the book.
func (e *Engine) placeLimit(ctx context.Context, tx store.Tx, ix *book.Index, out *outcome) error {
	o := out.order
	var err error
	switch o.Side {
	case model.Buy:
		err = tx.LockForBuy(ctx, o.AccountID, o.Price.Mul(o.Quantity))
	case model.Sell:
		err = tx.LockForSell(ctx, o.AccountID, o.AssetID, o.Quantity)
	}
	if err != nil {
		return err
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	return e.match(ctx, tx, ix, out)
}

// match fills the incoming order against crossing resting orders, best
// price first and oldest first within a price, at the maker's price.
func (e *Engine) match(ctx context.Context, tx store.Tx, ix *book.Index, out *outcome) error {
	taker := out.order

	for _, c := range ix.Crossing(taker.Side, taker.Price, e.matchDepth) {
		if !taker.Remaining().IsPositive() {
			break
		}

		maker, err := tx.GetOrder(ctx, c.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			out.stale = append(out.stale, c.OrderID)
			continue
		}
		if err != nil {
			return err
		}
		// Lost a race with a cancel or an earlier fill: zero fill.
		if !maker.Status.Resting() {
			out.stale = append(out.stale, c.OrderID)
			continue
		}

		fill := decimal.Min(taker.Remaining(), maker.Remaining())
		if !fill.IsPositive() {
			continue
		}
		if err := e.settle(ctx, tx, out, maker, fill); err != nil {
			return err
		}
	}

	if taker.Filled.IsZero() {
		return nil
	}
	taker.Status = model.StatusFor(taker.Filled, taker.Quantity)
	taker.UpdatedAt = e.stamp()
	if err := tx.UpdateOrder(ctx, taker); err != nil {
		return err
	}
	if taker.Side == model.Sell && taker.Status == model.StatusFilled {
		return tx.PrunePosition(ctx, taker.AccountID, taker.AssetID)
	}
	return nil
}

// settle executes one fill of qty between the incoming order and maker at
// the maker's price.
func (e *Engine) settle(ctx context.Context, tx store.Tx, out *outcome, maker *model.Order, qty decimal.Decimal) error {
	taker := out.order
	price := maker.Price
	notional := qty.Mul(price)

	buyer, seller := taker, maker
	if taker.Side == model.Sell {
		buyer, seller = maker, taker
	}

	if err := tx.CreditCash(ctx, seller.AccountID, notional); err != nil {
		return err
	}
	if err := tx.CreditPosition(ctx, buyer.AccountID, taker.AssetID, qty, price); err != nil {
		return err
	}
	// A BUY taker locked at its own limit; return the price improvement.
	if taker.Side == model.Buy {
		if refund := taker.Price.Sub(price).Mul(qty); refund.IsPositive() {
			if err := tx.RefundCash(ctx, taker.AccountID, refund); err != nil {
				return err
			}
		}
	}

	now := e.stamp()
	maker.Filled = maker.Filled.Add(qty)
	taker.Filled = taker.Filled.Add(qty)
	if maker.Filled.GreaterThan(maker.Quantity) || taker.Filled.GreaterThan(taker.Quantity) {
		return fmt.Errorf("fill %s overruns order %s/%s: %w", qty, taker.ID, maker.ID, ErrInvariant)
	}
	maker.Status = model.StatusFor(maker.Filled, maker.Quantity)
	maker.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, maker); err != nil {
		return err
	}

	for _, t := range []model.Trade{
		newTrade(taker, qty, price, now),
		newTrade(maker, qty, price, now),
	} {
		if err := tx.InsertTrade(ctx, &t); err != nil {
			return err
		}
		out.trades = append(out.trades, t)
	}

	if err := tx.SetReferencePrice(ctx, price); err != nil {
		return err
	}
	out.priceChanged = out.priceChanged || !out.price.Equal(price)
	out.price = price

	if maker.Side == model.Sell && maker.Status == model.StatusFilled {
		if err := tx.PrunePosition(ctx, maker.AccountID, maker.AssetID); err != nil {
			return err
		}
	}

	out.makers = append(out.makers, *maker)
	out.fills++
	out.volume = out.volume.Add(qty)
	return nil
}

// fillMarket executes the order against the asset's liquidity pool at the
// reference price. The order's price is a protection bound: a BUY is
// rejected above it and a SELL below it.
func (e *Engine) fillMarket(ctx context.Context, tx store.Tx, a *model.Asset, out *outcome) error {
	o := out.order
	ref := a.ReferencePrice

	switch o.Side {
	case model.Buy:
		if ref.GreaterThan(o.Price) {
			return fmt.Errorf("buy limit %s below reference %s: %w", o.Price, ref, ErrPriceLimit)
		}
	case model.Sell:
		if ref.LessThan(o.Price) {
			return fmt.Errorf("sell limit %s above reference %s: %w", o.Price, ref, ErrPriceLimit)
		}
	}

	notional, next := e.pricing.TradeImpact(o.Quantity, ref, o.Side, a.Liquidity)

	switch o.Side {
	case model.Buy:
		if err := tx.LockForBuy(ctx, o.AccountID, notional); err != nil {
			return err
		}
		if err := tx.CreditPosition(ctx, o.AccountID, o.AssetID, o.Quantity, ref); err != nil {
			return err
		}
	case model.Sell:
		if err := tx.LockForSell(ctx, o.AccountID, o.AssetID, o.Quantity); err != nil {
			return err
		}
		if err := tx.CreditCash(ctx, o.AccountID, notional); err != nil {
			return err
		}
	}

	o.Filled = o.Quantity
	o.Status = model.StatusFilled
	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	if o.Side == model.Sell {
		if err := tx.PrunePosition(ctx, o.AccountID, o.AssetID); err != nil {
			return err
		}
	}

	t := newTrade(o, o.Quantity, ref, o.CreatedAt)
	if err := tx.InsertTrade(ctx, &t); err != nil {
		return err
	}
	out.trades = append(out.trades, t)

	if err := tx.SetReferencePrice(ctx, next); err != nil {
		return err
	}
	out.priceChanged = !next.Equal(ref)
	out.price = next
	out.fills = 1
	out.volume = o.Quantity
	return nil
}

func newTrade(o *model.Order, qty, price decimal.Decimal, at time.Time) model.Trade {
	return model.Trade{
		ID:        uuid.New().String(),
		AccountID: o.AccountID,
		AssetID:   o.AssetID,
		OrderID:   o.ID,
		Side:      o.Side,
		Quantity:  qty,
		Price:     price,
		CreatedAt: at,
	}
}
