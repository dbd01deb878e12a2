// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every write the matching engine makes goes through WithAssetTx: the
// ledger movements, order and trade rows, and the asset's reference price
// caused by one submission or cancellation commit together or not at all.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned by LockForBuy when the account
	// cannot cover the amount. Nothing is mutated.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrInsufficientPosition is returned by LockForSell when the account
	// holds fewer shares than requested. Nothing is mutated.
	ErrInsufficientPosition = errors.New("store: insufficient position")

	// ErrInvariant is returned when a write would leave negative cash or
	// shares. The enclosing transaction must abort.
	ErrInvariant = errors.New("store: ledger invariant violated")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("store: conflict")
)

// Ledger is the balance and holdings contract consumed by the engine. All
// methods run inside the caller's transaction and are not safe to retry.
type Ledger interface {
	// LockForBuy deducts amount from the account's cash if sufficient.
	LockForBuy(ctx context.Context, accountID string, amount decimal.Decimal) error

	// LockForSell deducts qty from the account's position if sufficient.
	LockForSell(ctx context.Context, accountID, assetID string, qty decimal.Decimal) error

	// CreditCash adds sale proceeds to the account's cash.
	CreditCash(ctx context.Context, accountID string, amount decimal.Decimal) error

	// CreditPosition adds qty shares bought at price, recomputing the
	// volume-weighted average entry price.
	CreditPosition(ctx context.Context, accountID, assetID string, qty, price decimal.Decimal) error

	// RefundCash returns previously locked cash.
	RefundCash(ctx context.Context, accountID string, amount decimal.Decimal) error

	// RefundPosition returns previously locked shares without touching the
	// average entry price.
	RefundPosition(ctx context.Context, accountID, assetID string, qty decimal.Decimal) error

	// PrunePosition deletes the position if it is empty and no resting SELL
	// order of the account still holds shares locked against it.
	PrunePosition(ctx context.Context, accountID, assetID string) error
}

// Tx is the view of the store inside one asset transaction.
type Tx interface {
	Ledger

	// GetAsset returns the asset locked by this transaction.
	GetAsset(ctx context.Context) (*model.Asset, error)

	// SetReferencePrice updates the asset's current market price.
	SetReferencePrice(ctx context.Context, price decimal.Decimal) error

	// GetOrder reads an order's current state.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder persists filled, status and updated_at.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithAssetTx runs fn atomically, serialised with every other
	// transaction on the same asset. If fn returns an error nothing it
	// wrote persists. Returns ErrNotFound if the asset does not exist.
	// A backend may call fn again after aborting a deadlocked attempt, so
	// fn must not carry state from one call to the next.
	WithAssetTx(ctx context.Context, assetID string, fn func(tx Tx) error) error

	// --- Accounts (owned by account management) ---

	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListAgentAccounts(ctx context.Context) ([]model.Account, error)

	// Deposit adds cash to an account and its initial budget.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error

	// GrantPosition credits shares outside of trading (seeding, airdrops).
	GrantPosition(ctx context.Context, accountID, assetID string, qty, avgPrice decimal.Decimal) error

	// --- Assets (owned by listing) ---

	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, activeOnly bool) ([]model.Asset, error)
	SetAssetActive(ctx context.Context, id string, active bool) error

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByAccount(ctx context.Context, accountID string, restingOnly bool) ([]model.Order, error)

	// ListRestingOrders returns all OPEN/PARTIAL orders on an asset.
	ListRestingOrders(ctx context.Context, assetID string) ([]model.Order, error)

	// GetOrderBook aggregates resting orders by price level.
	GetOrderBook(ctx context.Context, assetID string) (*model.OrderBook, error)

	// --- Positions and trades ---

	GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error)
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)
	ListTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error)
	ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error)
}
