package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// maxTxAttempts bounds how often an asset transaction is replayed after a
// deadlock or serialization failure.
const maxTxAttempts = 3

// WithAssetTx locks the asset row with SELECT ... FOR UPDATE, which
// serialises every transaction on that asset until commit or rollback.
// Account rows are locked in the order a match visits them, so two assets
// crediting each other's traders can deadlock; the aborted side is
// replayed from scratch.
func (s *PostgresStore) WithAssetTx(ctx context.Context, assetID string, fn func(tx Tx) error) error {
	return retryTx(ctx, maxTxAttempts, func() error {
		return s.assetTx(ctx, assetID, fn)
	})
}

func (s *PostgresStore) assetTx(ctx context.Context, assetID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM assets WHERE id = $1 FOR UPDATE`, assetID).Scan(&id)
	if err != nil {
		return wrapErr(fmt.Sprintf("lock asset %s", assetID), err)
	}

	if err := fn(&pgTx{q: tx, assetID: assetID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit asset %s: %w", assetID, err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, balance, initial_budget, is_agent, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		a.ID, a.Name, a.Balance.String(), a.InitialBudget.String(), a.IsAgent, a.CreatedAt,
	)
	return wrapErr(fmt.Sprintf("create account %s", a.ID), err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance, budget string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, initial_budget::TEXT, is_agent, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &balance, &budget, &a.IsAgent, &a.CreatedAt)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get account %s", id), err)
	}
	a.Balance = dec(balance)
	a.InitialBudget = dec(budget)
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.listAccounts(ctx, `SELECT id, name, balance::TEXT, initial_budget::TEXT, is_agent, created_at
		 FROM accounts ORDER BY id`)
}

func (s *PostgresStore) ListAgentAccounts(ctx context.Context) ([]model.Account, error) {
	return s.listAccounts(ctx, `SELECT id, name, balance::TEXT, initial_budget::TEXT, is_agent, created_at
		 FROM accounts WHERE is_agent ORDER BY id`)
}

func (s *PostgresStore) listAccounts(ctx context.Context, query string) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var balance, budget string
		if err := rows.Scan(&a.ID, &a.Name, &balance, &budget, &a.IsAgent, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Balance = dec(balance)
		a.InitialBudget = dec(budget)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET balance = balance + $2::NUMERIC, initial_budget = initial_budget + $2::NUMERIC
		 WHERE id = $1`, accountID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GrantPosition(ctx context.Context, accountID, assetID string, qty, avgPrice decimal.Decimal) error {
	return creditPosition(ctx, s.pool, accountID, assetID, qty, avgPrice)
}

// --- Assets ---

const assetColumns = `id, handle, name, category,
	reference_price::TEXT, initial_price::TEXT, liquidity::TEXT,
	active, created_at`

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, handle, name, category, reference_price, initial_price, liquidity, active, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		a.ID, a.Handle, a.Name, a.Category,
		a.ReferencePrice.String(), a.InitialPrice.String(), a.Liquidity.String(),
		a.Active, a.CreatedAt,
	)
	return wrapErr(fmt.Sprintf("create asset %s", a.Handle), err)
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	return getAsset(ctx, s.pool, id)
}

func (s *PostgresStore) ListAssets(ctx context.Context, activeOnly bool) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE ($1 = FALSE OR active)
		 ORDER BY created_at DESC`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) SetAssetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE assets SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Orders ---

const orderColumns = `id, account_id, asset_id, side, kind,
	price::TEXT, quantity::TEXT, filled::TEXT,
	status, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id)
}

func (s *PostgresStore) ListOrdersByAccount(ctx context.Context, accountID string, restingOnly bool) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE account_id = $1 AND ($2 = FALSE OR status IN ('OPEN', 'PARTIAL'))
		 ORDER BY created_at, id`, accountID, restingOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, assetID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE asset_id = $1 AND status IN ('OPEN', 'PARTIAL')
		 ORDER BY created_at, id`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) GetOrderBook(ctx context.Context, assetID string) (*model.OrderBook, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE id = $1)`, assetID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT side, price::TEXT, SUM(quantity - filled)::TEXT, COUNT(*)
		 FROM orders
		 WHERE asset_id = $1 AND status IN ('OPEN', 'PARTIAL')
		 GROUP BY side, price
		 ORDER BY price`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	book := &model.OrderBook{AssetID: assetID, Asks: []model.BookLevel{}, Bids: []model.BookLevel{}}
	for rows.Next() {
		var side, price, qty string
		var count int
		if err := rows.Scan(&side, &price, &qty, &count); err != nil {
			return nil, err
		}
		lvl := model.BookLevel{Price: dec(price), Quantity: dec(qty), Orders: count}
		if side == model.Sell.String() {
			book.Asks = append(book.Asks, lvl)
		} else {
			book.Bids = append([]model.BookLevel{lvl}, book.Bids...)
		}
	}
	return book, rows.Err()
}

// --- Positions and trades ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, assetID string) (*model.Position, error) {
	var p model.Position
	var qty, avg string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, asset_id, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND asset_id = $2 AND quantity > 0`,
		accountID, assetID).
		Scan(&p.AccountID, &p.AssetID, &qty, &avg, &p.UpdatedAt)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get position %s/%s", accountID, assetID), err)
	}
	p.Quantity = dec(qty)
	p.AvgPrice = dec(avg)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, asset_id, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND quantity > 0
		 ORDER BY asset_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var qty, avg string
		if err := rows.Scan(&p.AccountID, &p.AssetID, &qty, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity = dec(qty)
		p.AvgPrice = dec(avg)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Trades are returned oldest first. A positive limit keeps only the most
// recent rows.
// Trades written in one transaction share created_at; seq keeps their
// insertion order.
const tradesQuery = `SELECT id, account_id, asset_id, order_id, side, quantity, price, created_at FROM (
	SELECT seq, id, account_id, asset_id, order_id, side,
	       quantity::TEXT AS quantity, price::TEXT AS price, created_at
	FROM trades WHERE %s = $1
	ORDER BY created_at DESC, seq DESC
	LIMIT NULLIF($2::INT, 0)
) t ORDER BY created_at, seq`

func (s *PostgresStore) ListTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(tradesQuery, "asset_id"), assetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(tradesQuery, "account_id"), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// --- Transaction ---

type pgTx struct {
	q       pgx.Tx
	assetID string
}

func (t *pgTx) LockForBuy(ctx context.Context, accountID string, amount decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC`, accountID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if err := t.accountExists(ctx, accountID); err != nil {
			return err
		}
		return ErrInsufficientBalance
	}
	return nil
}

func (t *pgTx) LockForSell(ctx context.Context, accountID, assetID string, qty decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE positions SET quantity = quantity - $3::NUMERIC, updated_at = $4
		 WHERE account_id = $1 AND asset_id = $2 AND quantity >= $3::NUMERIC`,
		accountID, assetID, qty.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientPosition
	}
	return nil
}

func (t *pgTx) CreditCash(ctx context.Context, accountID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("credit %s: %w", amount, ErrInvariant)
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC WHERE id = $1`,
		accountID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) RefundCash(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return t.CreditCash(ctx, accountID, amount)
}

func (t *pgTx) CreditPosition(ctx context.Context, accountID, assetID string, qty, price decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("credit position %s: %w", qty, ErrInvariant)
	}
	return creditPosition(ctx, t.q, accountID, assetID, qty, price)
}

func (t *pgTx) RefundPosition(ctx context.Context, accountID, assetID string, qty decimal.Decimal) error {
	if qty.IsNegative() {
		return fmt.Errorf("refund position %s: %w", qty, ErrInvariant)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (account_id, asset_id, quantity, avg_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, 0, $4)
		 ON CONFLICT (account_id, asset_id) DO UPDATE
		 SET quantity = positions.quantity + EXCLUDED.quantity,
		     updated_at = EXCLUDED.updated_at`,
		accountID, assetID, qty.String(), time.Now().UTC())
	return err
}

func (t *pgTx) PrunePosition(ctx context.Context, accountID, assetID string) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM positions
		 WHERE account_id = $1 AND asset_id = $2 AND quantity = 0
		   AND NOT EXISTS (
		       SELECT 1 FROM orders
		       WHERE account_id = $1 AND asset_id = $2
		         AND side = 'SELL' AND status IN ('OPEN', 'PARTIAL'))`,
		accountID, assetID)
	return err
}

func (t *pgTx) GetAsset(ctx context.Context) (*model.Asset, error) {
	return getAsset(ctx, t.q, t.assetID)
}

func (t *pgTx) SetReferencePrice(ctx context.Context, price decimal.Decimal) error {
	_, err := t.q.Exec(ctx,
		`UPDATE assets SET reference_price = $2::NUMERIC WHERE id = $1`,
		t.assetID, price.String())
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.q, id)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, account_id, asset_id, side, kind, price, quantity, filled, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		o.ID, o.AccountID, o.AssetID, o.Side.String(), o.Kind.String(),
		o.Price.String(), o.Quantity.String(), o.Filled.String(),
		o.Status.String(), o.CreatedAt, o.UpdatedAt,
	)
	return wrapErr(fmt.Sprintf("insert order %s", o.ID), err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE orders SET filled = $2::NUMERIC, status = $3, updated_at = $4 WHERE id = $1`,
		o.ID, o.Filled.String(), o.Status.String(), o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, account_id, asset_id, order_id, side, quantity, price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.AccountID, tr.AssetID, tr.OrderID, tr.Side.String(),
		tr.Quantity.String(), tr.Price.String(), tr.CreatedAt,
	)
	return err
}

func (t *pgTx) accountExists(ctx context.Context, id string) error {
	var exists bool
	if err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Shared queries ---

func creditPosition(ctx context.Context, q querier, accountID, assetID string, qty, price decimal.Decimal) error {
	_, err := q.Exec(ctx,
		`INSERT INTO positions (account_id, asset_id, quantity, avg_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, asset_id) DO UPDATE
		 SET avg_price = CASE
		         WHEN positions.quantity + EXCLUDED.quantity > 0
		         THEN (positions.avg_price * positions.quantity + EXCLUDED.avg_price * EXCLUDED.quantity)
		              / (positions.quantity + EXCLUDED.quantity)
		         ELSE EXCLUDED.avg_price END,
		     quantity = positions.quantity + EXCLUDED.quantity,
		     updated_at = EXCLUDED.updated_at`,
		accountID, assetID, qty.String(), price.String(), time.Now().UTC())
	return wrapErr(fmt.Sprintf("credit position %s/%s", accountID, assetID), err)
}

func getAsset(ctx context.Context, q querier, id string) (*model.Asset, error) {
	a, err := scanAsset(q.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get asset %s", id), err)
	}
	return a, nil
}

func getOrder(ctx context.Context, q querier, id string) (*model.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get order %s", id), err)
	}
	return o, nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(r rowScanner) (*model.Asset, error) {
	var a model.Asset
	var ref, initial, liq string
	if err := r.Scan(&a.ID, &a.Handle, &a.Name, &a.Category, &ref, &initial, &liq, &a.Active, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ReferencePrice = dec(ref)
	a.InitialPrice = dec(initial)
	a.Liquidity = dec(liq)
	return &a, nil
}

func scanOrder(r rowScanner) (*model.Order, error) {
	var o model.Order
	var side, kind, status, price, qty, filled string
	if err := r.Scan(&o.ID, &o.AccountID, &o.AssetID, &side, &kind,
		&price, &qty, &filled, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Side, err = model.ParseSide(side); err != nil {
		return nil, err
	}
	if o.Kind, err = model.ParseOrderKind(kind); err != nil {
		return nil, err
	}
	if o.Status, err = model.ParseOrderStatus(status); err != nil {
		return nil, err
	}
	o.Price = dec(price)
	o.Quantity = dec(qty)
	o.Filled = dec(filled)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qty, price string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.AssetID, &t.OrderID, &side, &qty, &price, &t.CreatedAt); err != nil {
			return nil, err
		}
		s, err := model.ParseSide(side)
		if err != nil {
			return nil, err
		}
		t.Side = s
		t.Quantity = dec(qty)
		t.Price = dec(price)
		out = append(out, t)
	}
	return out, rows.Err()
}

func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

// retryTx runs run up to attempts times while it fails with a retryable
// error, backing off a little longer each time.
func retryTx(ctx context.Context, attempts int, run func() error) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = run(); !retryable(err) || i == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i) * 10 * time.Millisecond):
		}
	}
	return err
}

// retryable reports deadlock_detected and serialization_failure.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40P01" || pgErr.Code == "40001"
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23514":
			return fmt.Errorf("%s: %w", op, ErrInvariant)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
