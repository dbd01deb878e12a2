package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for assets and order-book snapshots. Every committed asset
// transaction invalidates both keys for that asset; reads check Redis first
// then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithAssetTx(ctx context.Context, assetID string, fn func(tx Tx) error) error {
	if err := s.primary.WithAssetTx(ctx, assetID, fn); err != nil {
		return err
	}
	s.invalidate(ctx, assetID)
	return nil
}

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.CreateAsset(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, assetKey(a.ID), a)
	return nil
}

func (s *CachedStore) SetAssetActive(ctx context.Context, id string, active bool) error {
	if err := s.primary.SetAssetActive(ctx, id, active); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	if s.fromCache(ctx, assetKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, assetKey(id), got)
	return got, nil
}

func (s *CachedStore) GetOrderBook(ctx context.Context, assetID string) (*model.OrderBook, error) {
	var b model.OrderBook
	if s.fromCache(ctx, bookKey(assetID), &b) {
		return &b, nil
	}

	book, err := s.primary.GetOrderBook(ctx, assetID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, bookKey(assetID), book)
	return book, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListAgentAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAgentAccounts(ctx)
}

func (s *CachedStore) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return s.primary.Deposit(ctx, accountID, amount)
}

func (s *CachedStore) GrantPosition(ctx context.Context, accountID, assetID string, qty, avgPrice decimal.Decimal) error {
	return s.primary.GrantPosition(ctx, accountID, assetID, qty, avgPrice)
}

func (s *CachedStore) ListAssets(ctx context.Context, activeOnly bool) ([]model.Asset, error) {
	return s.primary.ListAssets(ctx, activeOnly)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByAccount(ctx context.Context, accountID string, restingOnly bool) ([]model.Order, error) {
	return s.primary.ListOrdersByAccount(ctx, accountID, restingOnly)
}

func (s *CachedStore) ListRestingOrders(ctx context.Context, assetID string) ([]model.Order, error) {
	return s.primary.ListRestingOrders(ctx, assetID)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, assetID)
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, accountID)
}

func (s *CachedStore) ListTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByAsset(ctx, assetID, limit)
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByAccount(ctx, accountID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, assetID string) {
	s.rdb.Del(ctx, assetKey(assetID), bookKey(assetID))
}

func (s *CachedStore) fromCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func assetKey(id string) string { return fmt.Sprintf("asset:%s", id) }
func bookKey(id string) string  { return fmt.Sprintf("book:%s", id) }
