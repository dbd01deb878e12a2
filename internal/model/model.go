// Package model defines the core domain types shared across the market engine.
// All monetary values and share quantities use shopspring/decimal, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a trading participant. Balance is spendable cash; cash locked by
// resting BUY orders has already been deducted from it.
type Account struct {
	ID            string          `json:"id" db:"id"`
	Name          string          `json:"name" db:"name"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	InitialBudget decimal.Decimal `json:"initial_budget" db:"initial_budget"` // P&L baseline
	IsAgent       bool            `json:"is_agent" db:"is_agent"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Asset is a tradable creator. ReferencePrice is the current market price
// and is only ever written inside an asset transaction.
type Asset struct {
	ID             string          `json:"id" db:"id"`
	Handle         string          `json:"handle" db:"handle"` // channel id or @handle
	Name           string          `json:"name" db:"name"`
	Category       string          `json:"category" db:"category"`
	ReferencePrice decimal.Decimal `json:"reference_price" db:"reference_price"`
	InitialPrice   decimal.Decimal `json:"initial_price" db:"initial_price"`
	Liquidity      decimal.Decimal `json:"liquidity" db:"liquidity"`
	Active         bool            `json:"active" db:"active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Position is the quantity of one asset held by one account, with its
// volume-weighted average entry price. A zero quantity is logically absent.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a request to trade. Price is the limit price for LIMIT orders and
// the protection bound for MARKET orders.
type Order struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	Side      Side            `json:"side" db:"side"`
	Kind      OrderKind       `json:"kind" db:"kind"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Filled    decimal.Decimal `json:"filled" db:"filled"`
	Status    OrderStatus     `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Trade is an immutable record of one side of an execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	AssetID   string          `json:"asset_id" db:"asset_id"`
	OrderID   string          `json:"order_id" db:"order_id"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Notional returns quantity × price.
func (t *Trade) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// BookLevel aggregates resting orders at one price.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderBook is a depth snapshot. Asks ascend, bids descend.
type OrderBook struct {
	AssetID string      `json:"asset_id"`
	Asks    []BookLevel `json:"asks"`
	Bids    []BookLevel `json:"bids"`
}

// PopularityStats are the raw channel counters a listing price is derived from.
type PopularityStats struct {
	Subscribers       int64 `json:"subscribers"`
	TotalViews        int64 `json:"total_views"`
	RecentViews       int64 `json:"recent_views"`        // e.g. last 30 days
	RecentShortsViews int64 `json:"recent_shorts_views"` // subset of RecentViews, optional
}

// PositionView is a position marked to the asset's reference price.
type PositionView struct {
	AssetID       string          `json:"asset_id"`
	AssetName     string          `json:"asset_name"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	ProfitLoss    decimal.Decimal `json:"profit_loss"`
	ProfitLossPct decimal.Decimal `json:"profit_loss_pct"`
}

// Portfolio aggregates all positions for an account with P&L against the
// account's initial budget. Cash and shares locked by resting orders count
// towards TotalAssets.
type Portfolio struct {
	AccountID          string          `json:"account_id"`
	Balance            decimal.Decimal `json:"balance"`
	InitialBudget      decimal.Decimal `json:"initial_budget"`
	LockedCash         decimal.Decimal `json:"locked_cash"`  // resting BUYs
	LockedValue        decimal.Decimal `json:"locked_value"` // resting SELLs at reference price
	TotalPositionValue decimal.Decimal `json:"total_position_value"`
	TotalAssets        decimal.Decimal `json:"total_assets"`
	TotalProfitLoss    decimal.Decimal `json:"total_profit_loss"`
	TotalProfitLossPct decimal.Decimal `json:"total_profit_loss_pct"`
	Positions          []PositionView  `json:"positions"`
}

// Candle is one OHLC bucket of trade prices.
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}
