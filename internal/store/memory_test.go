package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorx/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seed(t *testing.T) (*MemoryStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "alice", Balance: d(1000), InitialBudget: d(1000)}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "bob", Balance: d(500), InitialBudget: d(500), IsAgent: true}))
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{
		ID: "mrbeast", Handle: "@mrbeast", Name: "MrBeast",
		ReferencePrice: d(100), InitialPrice: d(100), Liquidity: d(100000),
		Active: true, CreatedAt: time.Now(),
	}))
	return s, ctx
}

func TestMemory_LockForBuy(t *testing.T) {
	s, ctx := seed(t)

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.LockForBuy(ctx, "alice", d(400))
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(d(600)), "balance %s", a.Balance)
}

func TestMemory_LockForBuy_Insufficient(t *testing.T) {
	s, ctx := seed(t)

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.LockForBuy(ctx, "alice", d(1000.01))
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	a, _ := s.GetAccount(ctx, "alice")
	assert.True(t, a.Balance.Equal(d(1000)))
}

func TestMemory_LockForSell(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.GrantPosition(ctx, "bob", "mrbeast", d(10), d(90)))

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.LockForSell(ctx, "bob", "mrbeast", d(11))
	})
	require.ErrorIs(t, err, ErrInsufficientPosition)

	err = s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.LockForSell(ctx, "bob", "mrbeast", d(10))
	})
	require.NoError(t, err)

	// Empty positions are hidden from readers.
	_, err = s.GetPosition(ctx, "bob", "mrbeast")
	require.ErrorIs(t, err, ErrNotFound)

	// The row survives so a refund keeps the entry price.
	err = s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.RefundPosition(ctx, "bob", "mrbeast", d(4))
	})
	require.NoError(t, err)
	p, err := s.GetPosition(ctx, "bob", "mrbeast")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d(4)))
	assert.True(t, p.AvgPrice.Equal(d(90)))
}

func TestMemory_CreditPosition_WeightedAverage(t *testing.T) {
	s, ctx := seed(t)

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		if err := tx.CreditPosition(ctx, "alice", "mrbeast", d(10), d(100)); err != nil {
			return err
		}
		return tx.CreditPosition(ctx, "alice", "mrbeast", d(10), d(110))
	})
	require.NoError(t, err)

	p, err := s.GetPosition(ctx, "alice", "mrbeast")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d(20)))
	assert.True(t, p.AvgPrice.Equal(d(105)), "avg %s", p.AvgPrice)
}

func TestMemory_RollbackOnError(t *testing.T) {
	s, ctx := seed(t)
	boom := errors.New("boom")

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		require.NoError(t, tx.LockForBuy(ctx, "alice", d(300)))
		require.NoError(t, tx.CreditPosition(ctx, "alice", "mrbeast", d(3), d(100)))
		require.NoError(t, tx.SetReferencePrice(ctx, d(150)))
		require.NoError(t, tx.InsertOrder(ctx, &model.Order{ID: "o1", AccountID: "alice", AssetID: "mrbeast", Side: model.Buy, Status: model.StatusOpen}))
		require.NoError(t, tx.InsertTrade(ctx, &model.Trade{ID: "t1", AccountID: "alice", AssetID: "mrbeast"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, _ := s.GetAccount(ctx, "alice")
	assert.True(t, a.Balance.Equal(d(1000)))
	_, err = s.GetPosition(ctx, "alice", "mrbeast")
	assert.ErrorIs(t, err, ErrNotFound)
	asset, _ := s.GetAsset(ctx, "mrbeast")
	assert.True(t, asset.ReferencePrice.Equal(d(100)))
	_, err = s.GetOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrNotFound)
	trades, _ := s.ListTradesByAsset(ctx, "mrbeast", 0)
	assert.Empty(t, trades)
}

func TestMemory_CreditRejectsNegative(t *testing.T) {
	s, ctx := seed(t)
	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		return tx.CreditCash(ctx, "alice", d(-1))
	})
	require.ErrorIs(t, err, ErrInvariant)
}

func TestMemory_PrunePosition_KeepsRowBehindRestingSell(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.GrantPosition(ctx, "bob", "mrbeast", d(5), d(80)))

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		if err := tx.LockForSell(ctx, "bob", "mrbeast", d(5)); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &model.Order{
			ID: "ask", AccountID: "bob", AssetID: "mrbeast", Side: model.Sell,
			Kind: model.Limit, Price: d(120), Quantity: d(5), Status: model.StatusOpen,
		}); err != nil {
			return err
		}
		return tx.PrunePosition(ctx, "bob", "mrbeast")
	})
	require.NoError(t, err)

	s.mu.RLock()
	_, kept := s.positions[posKey{"bob", "mrbeast"}]
	s.mu.RUnlock()
	assert.True(t, kept, "row must survive while a SELL rests")

	err = s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		o, err := tx.GetOrder(ctx, "ask")
		if err != nil {
			return err
		}
		o.Status = model.StatusCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		return tx.PrunePosition(ctx, "bob", "mrbeast")
	})
	require.NoError(t, err)

	s.mu.RLock()
	_, kept = s.positions[posKey{"bob", "mrbeast"}]
	s.mu.RUnlock()
	assert.False(t, kept)
}

func TestMemory_UnknownAsset(t *testing.T) {
	s, ctx := seed(t)
	err := s.WithAssetTx(ctx, "nope", func(tx Tx) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DuplicateHandle(t *testing.T) {
	s, ctx := seed(t)
	err := s.CreateAsset(ctx, &model.Asset{ID: "other", Handle: "@mrbeast"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemory_GetOrderBook_Aggregates(t *testing.T) {
	s, ctx := seed(t)
	now := time.Now()
	orders := []model.Order{
		{ID: "a1", Side: model.Sell, Price: d(105), Quantity: d(3), Status: model.StatusOpen},
		{ID: "a2", Side: model.Sell, Price: d(101), Quantity: d(2), Status: model.StatusOpen},
		{ID: "a3", Side: model.Sell, Price: d(105), Quantity: d(4), Filled: d(1), Status: model.StatusPartial},
		{ID: "b1", Side: model.Buy, Price: d(95), Quantity: d(1), Status: model.StatusOpen},
		{ID: "b2", Side: model.Buy, Price: d(99), Quantity: d(6), Status: model.StatusOpen},
		{ID: "gone", Side: model.Buy, Price: d(99), Quantity: d(6), Status: model.StatusCancelled},
	}
	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		for i := range orders {
			o := orders[i]
			o.AccountID, o.AssetID, o.Kind = "alice", "mrbeast", model.Limit
			o.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
			if err := tx.InsertOrder(ctx, &o); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	book, err := s.GetOrderBook(ctx, "mrbeast")
	require.NoError(t, err)

	require.Len(t, book.Asks, 2)
	assert.True(t, book.Asks[0].Price.Equal(d(101)))
	assert.True(t, book.Asks[1].Price.Equal(d(105)))
	assert.True(t, book.Asks[1].Quantity.Equal(d(6)))
	assert.Equal(t, 2, book.Asks[1].Orders)

	require.Len(t, book.Bids, 2)
	assert.True(t, book.Bids[0].Price.Equal(d(99)))
	assert.True(t, book.Bids[0].Quantity.Equal(d(6)))
	assert.True(t, book.Bids[1].Price.Equal(d(95)))
}

func TestMemory_ListTrades_LimitKeepsMostRecent(t *testing.T) {
	s, ctx := seed(t)
	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		for _, id := range []string{"t1", "t2", "t3"} {
			if err := tx.InsertTrade(ctx, &model.Trade{ID: id, AccountID: "alice", AssetID: "mrbeast"}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	trades, err := s.ListTradesByAsset(ctx, "mrbeast", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].ID)
	assert.Equal(t, "t3", trades[1].ID)
}

func TestMemory_ConcurrentBuysAcrossAssets(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{ID: "pewdiepie", Handle: "@pewdiepie", ReferencePrice: d(50), Active: true}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		asset := "mrbeast"
		if i%2 == 1 {
			asset = "pewdiepie"
		}
		wg.Add(1)
		go func(asset string) {
			defer wg.Done()
			_ = s.WithAssetTx(ctx, asset, func(tx Tx) error {
				return tx.LockForBuy(ctx, "alice", d(10))
			})
		}(asset)
	}
	wg.Wait()

	a, _ := s.GetAccount(ctx, "alice")
	assert.True(t, a.Balance.IsZero(), "balance %s", a.Balance)
}

func TestMemory_CreditInvisibleUntilCommit(t *testing.T) {
	s, ctx := seed(t)
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{ID: "pewdiepie", Handle: "@pewdiepie", ReferencePrice: d(50), Active: true}))
	require.NoError(t, s.CreateAccount(ctx, &model.Account{ID: "carol"}))

	credited := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("boom")

	var wg sync.WaitGroup
	wg.Add(1)
	var errX error
	go func() {
		defer wg.Done()
		errX = s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
			if err := tx.CreditCash(ctx, "carol", d(1000)); err != nil {
				return err
			}
			close(credited)
			<-release
			return boom
		})
	}()

	<-credited
	errY := s.WithAssetTx(ctx, "pewdiepie", func(tx Tx) error {
		return tx.LockForBuy(ctx, "carol", d(1000))
	})
	close(release)
	wg.Wait()

	require.ErrorIs(t, errY, ErrInsufficientBalance)
	require.ErrorIs(t, errX, boom)
	c, err := s.GetAccount(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero(), "balance %s", c.Balance)
}

func TestMemory_CreditAppliedOnCommit(t *testing.T) {
	s, ctx := seed(t)

	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		require.NoError(t, tx.CreditCash(ctx, "bob", d(250)))
		a, err := s.GetAccount(ctx, "bob")
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(d(500)), "credit visible before commit: %s", a.Balance)
		return nil
	})
	require.NoError(t, err)

	b, _ := s.GetAccount(ctx, "bob")
	assert.True(t, b.Balance.Equal(d(750)), "balance %s", b.Balance)
}

func TestMemory_DebitDrawsOnStagedCredit(t *testing.T) {
	s, ctx := seed(t)

	// bob holds 500; the lock needs 700, 200 of it credited in the same tx.
	err := s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		require.NoError(t, tx.CreditCash(ctx, "bob", d(200)))
		return tx.LockForBuy(ctx, "bob", d(700))
	})
	require.NoError(t, err)
	b, _ := s.GetAccount(ctx, "bob")
	assert.True(t, b.Balance.IsZero(), "balance %s", b.Balance)

	// A rolled back mix restores the balance exactly.
	require.NoError(t, s.Deposit(ctx, "bob", d(100)))
	boom := errors.New("boom")
	err = s.WithAssetTx(ctx, "mrbeast", func(tx Tx) error {
		require.NoError(t, tx.CreditCash(ctx, "bob", d(50)))
		require.NoError(t, tx.LockForBuy(ctx, "bob", d(120)))
		return boom
	})
	require.ErrorIs(t, err, boom)
	b, _ = s.GetAccount(ctx, "bob")
	assert.True(t, b.Balance.Equal(d(100)), "balance %s", b.Balance)
}
