package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

type posKey struct {
	accountID string
	assetID   string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold a per-asset mutex and apply writes in place, keeping
// an undo journal that is replayed in reverse if the transaction fails.
// Cash credits are the exception: they are staged in the transaction and
// applied at commit, so a concurrent transaction on another asset can never
// spend money that a rollback would take back. Readers outside the
// transaction may observe its debits before commit.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	assets    map[string]*model.Asset
	positions map[posKey]*model.Position
	orders    map[string]*model.Order
	trades    []model.Trade

	locksMu    sync.Mutex
	assetLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*model.Account),
		assets:     make(map[string]*model.Asset),
		positions:  make(map[posKey]*model.Position),
		orders:     make(map[string]*model.Order),
		assetLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) assetLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.assetLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.assetLocks[id] = l
	}
	return l
}

func (s *MemoryStore) WithAssetTx(ctx context.Context, assetID string, fn func(tx Tx) error) error {
	s.mu.RLock()
	_, ok := s.assets[assetID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}

	l := s.assetLock(assetID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{s: s, assetID: assetID, credits: make(map[string]decimal.Decimal)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, ErrConflict)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	return s.listAccounts(func(*model.Account) bool { return true }), nil
}

func (s *MemoryStore) ListAgentAccounts(_ context.Context) ([]model.Account, error) {
	return s.listAccounts(func(a *model.Account) bool { return a.IsAgent }), nil
}

func (s *MemoryStore) listAccounts(keep func(*model.Account) bool) []model.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, a := range s.accounts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Deposit(_ context.Context, accountID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	a.Balance = a.Balance.Add(amount)
	a.InitialBudget = a.InitialBudget.Add(amount)
	return nil
}

func (s *MemoryStore) GrantPosition(_ context.Context, accountID, assetID string, qty, avgPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	k := posKey{accountID, assetID}
	p, ok := s.positions[k]
	if !ok {
		p = &model.Position{AccountID: accountID, AssetID: assetID}
		s.positions[k] = p
	}
	p.AvgPrice = weightedAvg(p.AvgPrice, p.Quantity, avgPrice, qty)
	p.Quantity = p.Quantity.Add(qty)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Assets ---

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.assets {
		if existing.Handle == a.Handle {
			return fmt.Errorf("asset for handle %s: %w", a.Handle, ErrConflict)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.assets[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context, activeOnly bool) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		if activeOnly && !a.Active {
			continue
		}
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].CreatedAt.After(assets[j].CreatedAt) })
	return assets, nil
}

func (s *MemoryStore) SetAssetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.Active = active
	return nil
}

// --- Orders ---

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrdersByAccount(_ context.Context, accountID string, restingOnly bool) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID != accountID || (restingOnly && !o.Status.Resting()) {
			continue
		}
		out = append(out, *o)
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, assetID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.restingLocked(assetID), nil
}

func (s *MemoryStore) restingLocked(assetID string) []model.Order {
	var out []model.Order
	for _, o := range s.orders {
		if o.AssetID == assetID && o.Status.Resting() {
			out = append(out, *o)
		}
	}
	sortByCreated(out)
	return out
}

func (s *MemoryStore) GetOrderBook(_ context.Context, assetID string) (*model.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.assets[assetID]; !ok {
		return nil, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	return AggregateBook(assetID, s.restingLocked(assetID)), nil
}

// --- Positions and trades ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, assetID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{accountID, assetID}]
	if !ok || !p.Quantity.IsPositive() {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, assetID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID && p.Quantity.IsPositive() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemoryStore) ListTradesByAsset(_ context.Context, assetID string, limit int) ([]model.Trade, error) {
	return s.filterTrades(func(t *model.Trade) bool { return t.AssetID == assetID }, limit), nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string, limit int) ([]model.Trade, error) {
	return s.filterTrades(func(t *model.Trade) bool { return t.AccountID == accountID }, limit), nil
}

// filterTrades returns matching trades oldest first, keeping only the most
// recent limit entries when limit > 0.
func (s *MemoryStore) filterTrades(keep func(*model.Trade) bool, limit int) []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := range s.trades {
		if keep(&s.trades[i]) {
			out = append(out, s.trades[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// --- Transaction ---

type memTx struct {
	s       *MemoryStore
	assetID string
	undo    []func()
	credits map[string]decimal.Decimal // staged cash credits by account
}

func (tx *memTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.credits = nil
}

// commit applies the staged cash credits.
func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, amount := range tx.credits {
		if a, ok := s.accounts[id]; ok {
			a.Balance = a.Balance.Add(amount)
		}
	}
	tx.credits = nil
}

// debitCash takes amount from the account, drawing on cash credited
// earlier in this transaction first. The balance part is applied in place
// and added back on rollback; adding can never drive a balance negative.
func (tx *memTx) debitCash(accountID string, amount decimal.Decimal) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	staged := tx.credits[accountID]
	fromStaged := decimal.Min(staged, amount)
	fromBalance := amount.Sub(fromStaged)
	if a.Balance.LessThan(fromBalance) {
		return ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(fromBalance)
	tx.credits[accountID] = staged.Sub(fromStaged)
	tx.undo = append(tx.undo, func() {
		if a, ok := s.accounts[accountID]; ok {
			a.Balance = a.Balance.Add(fromBalance)
		}
	})
	return nil
}

// creditCash stages amount for the account until commit.
func (tx *memTx) creditCash(accountID string, amount decimal.Decimal) error {
	s := tx.s
	s.mu.RLock()
	_, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	tx.credits[accountID] = tx.credits[accountID].Add(amount)
	return nil
}

// mutatePosition runs fn on the (possibly new) position under the write
// lock and records its previous state for rollback.
func (tx *memTx) mutatePosition(accountID, assetID string, fn func(p *model.Position, existed bool) error) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	k := posKey{accountID, assetID}
	cur, existed := s.positions[k]
	var prev model.Position
	work := &model.Position{AccountID: accountID, AssetID: assetID}
	if existed {
		prev = *cur
		*work = *cur
	}
	if err := fn(work, existed); err != nil {
		return err
	}
	work.UpdatedAt = time.Now().UTC()
	s.positions[k] = work
	tx.undo = append(tx.undo, func() {
		if existed {
			restored := prev
			s.positions[k] = &restored
		} else {
			delete(s.positions, k)
		}
	})
	return nil
}

func (tx *memTx) LockForBuy(_ context.Context, accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("lock %s: %w", amount, ErrInvariant)
	}
	return tx.debitCash(accountID, amount)
}

func (tx *memTx) LockForSell(_ context.Context, accountID, assetID string, qty decimal.Decimal) error {
	return tx.mutatePosition(accountID, assetID, func(p *model.Position, existed bool) error {
		if !existed || p.Quantity.LessThan(qty) {
			return ErrInsufficientPosition
		}
		p.Quantity = p.Quantity.Sub(qty)
		return nil
	})
}

func (tx *memTx) CreditCash(_ context.Context, accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: %w", amount, ErrInvariant)
	}
	return tx.creditCash(accountID, amount)
}

func (tx *memTx) RefundCash(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return tx.CreditCash(ctx, accountID, amount)
}

func (tx *memTx) CreditPosition(_ context.Context, accountID, assetID string, qty, price decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("credit position %s: %w", qty, ErrInvariant)
	}
	return tx.mutatePosition(accountID, assetID, func(p *model.Position, _ bool) error {
		p.AvgPrice = weightedAvg(p.AvgPrice, p.Quantity, price, qty)
		p.Quantity = p.Quantity.Add(qty)
		return nil
	})
}

func (tx *memTx) RefundPosition(_ context.Context, accountID, assetID string, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("refund position %s: %w", qty, ErrInvariant)
	}
	return tx.mutatePosition(accountID, assetID, func(p *model.Position, _ bool) error {
		p.Quantity = p.Quantity.Add(qty)
		return nil
	})
}

func (tx *memTx) PrunePosition(_ context.Context, accountID, assetID string) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{accountID, assetID}
	p, ok := s.positions[k]
	if !ok || !p.Quantity.IsZero() {
		return nil
	}
	for _, o := range s.orders {
		if o.AccountID == accountID && o.AssetID == assetID && o.Side == model.Sell && o.Status.Resting() {
			return nil
		}
	}
	prev := *p
	delete(s.positions, k)
	tx.undo = append(tx.undo, func() { s.positions[k] = &prev })
	return nil
}

func (tx *memTx) GetAsset(_ context.Context) (*model.Asset, error) {
	return tx.s.GetAsset(context.Background(), tx.assetID)
}

func (tx *memTx) SetReferencePrice(_ context.Context, price decimal.Decimal) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[tx.assetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", tx.assetID, ErrNotFound)
	}
	prev := a.ReferencePrice
	a.ReferencePrice = price
	tx.undo = append(tx.undo, func() { a.ReferencePrice = prev })
	return nil
}

func (tx *memTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return tx.s.GetOrder(ctx, id)
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	copy := *o
	s.orders[o.ID] = &copy
	tx.undo = append(tx.undo, func() { delete(s.orders, o.ID) })
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	prev := *cur
	cur.Filled = o.Filled
	cur.Status = o.Status
	cur.UpdatedAt = o.UpdatedAt
	tx.undo = append(tx.undo, func() { *cur = prev })
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	id := t.ID
	tx.undo = append(tx.undo, func() {
		for i := len(s.trades) - 1; i >= 0; i-- {
			if s.trades[i].ID == id {
				s.trades = append(s.trades[:i], s.trades[i+1:]...)
				return
			}
		}
	})
	return nil
}

// --- Helpers ---

// weightedAvg returns (oldAvg*oldQty + price*qty) / (oldQty+qty).
func weightedAvg(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(qty)
	if !total.IsPositive() {
		return price
	}
	return oldAvg.Mul(oldQty).Add(price.Mul(qty)).Div(total)
}

func sortByCreated(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// AggregateBook groups resting orders into price levels, asks ascending
// and bids descending.
func AggregateBook(assetID string, resting []model.Order) *model.OrderBook {
	book := &model.OrderBook{AssetID: assetID, Asks: []model.BookLevel{}, Bids: []model.BookLevel{}}

	var asks, bids []model.Order
	for _, o := range resting {
		switch o.Side {
		case model.Sell:
			asks = append(asks, o)
		case model.Buy:
			bids = append(bids, o)
		}
	}
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	book.Asks = levels(asks)
	book.Bids = levels(bids)
	return book
}

func levels(sorted []model.Order) []model.BookLevel {
	out := []model.BookLevel{}
	for _, o := range sorted {
		n := len(out)
		if n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.Remaining())
			out[n-1].Orders++
			continue
		}
		out = append(out, model.BookLevel{Price: o.Price, Quantity: o.Remaining(), Orders: 1})
	}
	return out
}
