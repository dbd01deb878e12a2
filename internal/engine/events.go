package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

// EventType distinguishes engine notifications.
type EventType string

const (
	EventOrderPlaced    EventType = "order_placed"
	EventOrderCancelled EventType = "order_cancelled"
)

// Event describes one committed engine operation. Trades holds both sides
// of every fill, taker first.
type Event struct {
	Type           EventType
	AssetID        string
	ReferencePrice decimal.Decimal
	PriceChanged   bool
	Order          model.Order
	Trades         []model.Trade
	Time           time.Time
}

// Notifier receives events after commit, in commit order per asset.
// Implementations should return quickly; they run under the asset's lock.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }
