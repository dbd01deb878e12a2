package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/store"
)

// Spawn tops the store up to n agent accounts, each funded with budget.
// It returns every agent account afterwards.
func Spawn(ctx context.Context, st store.Store, n int, budget decimal.Decimal) ([]model.Account, error) {
	existing, err := st.ListAgentAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(existing); i < n; i++ {
		acct := &model.Account{
			ID:            uuid.New().String(),
			Name:          fmt.Sprintf("agent-%02d", i+1),
			Balance:       budget,
			InitialBudget: budget,
			IsAgent:       true,
		}
		if err := st.CreateAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("create agent %s: %w", acct.Name, err)
		}
	}
	return st.ListAgentAccounts(ctx)
}

// SeedConfig shapes the opening ladder.
type SeedConfig struct {
	Levels   int             // per side
	Step     decimal.Decimal // price spacing as a fraction of the reference
	Quantity decimal.Decimal // shares per level
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Levels:   5,
		Step:     decimal.NewFromFloat(0.01),
		Quantity: decimal.NewFromInt(10),
	}
}

// SeedLiquidity lays a ladder of asks above and bids below the reference
// price of every active asset whose book is empty. The first agent account
// is granted the shares and cash the ladder locks. It returns the number
// of orders placed.
func SeedLiquidity(ctx context.Context, p Placer, st store.Store, cfg SeedConfig) (int, error) {
	agents, err := st.ListAgentAccounts(ctx)
	if err != nil {
		return 0, err
	}
	if len(agents) == 0 {
		return 0, fmt.Errorf("seed: no agent accounts")
	}
	mm := agents[0].ID

	assets, err := st.ListAssets(ctx, true)
	if err != nil {
		return 0, err
	}

	one := decimal.NewFromInt(1)
	levels := decimal.NewFromInt(int64(cfg.Levels))
	placed := 0
	for _, asset := range assets {
		book, err := st.GetOrderBook(ctx, asset.ID)
		if err != nil {
			return placed, err
		}
		if len(book.Asks) > 0 || len(book.Bids) > 0 {
			continue
		}

		ref := asset.ReferencePrice
		if err := st.GrantPosition(ctx, mm, asset.ID, cfg.Quantity.Mul(levels), ref); err != nil {
			return placed, fmt.Errorf("seed %s: grant: %w", asset.ID, err)
		}
		// Bids lock at most ref per share.
		if err := st.Deposit(ctx, mm, ref.Mul(cfg.Quantity).Mul(levels)); err != nil {
			return placed, fmt.Errorf("seed %s: deposit: %w", asset.ID, err)
		}

		for i := 1; i <= cfg.Levels; i++ {
			off := cfg.Step.Mul(decimal.NewFromInt(int64(i)))
			for _, q := range []struct {
				side  model.Side
				price decimal.Decimal
			}{
				{model.Sell, ref.Mul(one.Add(off)).Round(2)},
				{model.Buy, ref.Mul(one.Sub(off)).Round(2)},
			} {
				if _, err := p.PlaceOrder(ctx, engine.OrderRequest{
					AccountID: mm,
					AssetID:   asset.ID,
					Side:      q.side,
					Kind:      model.Limit,
					Price:     q.price,
					Quantity:  cfg.Quantity,
				}); err != nil {
					return placed, fmt.Errorf("seed %s: %w", asset.ID, err)
				}
				placed++
			}
		}
	}
	return placed, nil
}
