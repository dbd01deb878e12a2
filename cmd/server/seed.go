package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/creatorx/market-engine/internal/agent"
	"github.com/creatorx/market-engine/internal/config"
	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/listing"
	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/pricing"
	"github.com/creatorx/market-engine/internal/store"
)

// demoCreators is listed when the catalogue is empty. Recent views are
// approximated as 1/200 of lifetime views.
var demoCreators = []listing.Request{
	demo("@mrbeast", "MrBeast", "entertainment", 300_000_000, 57_000_000_000),
	demo("@pewdiepie", "PewDiePie", "gaming", 110_000_000, 29_000_000_000),
	demo("@blackpink", "BLACKPINK", "k-pop", 95_000_000, 38_000_000_000),
	demo("@bangtantv", "BANGTANTV", "k-pop", 79_000_000, 23_000_000_000),
	demo("@tzuyang", "Tzuyang", "food", 10_000_000, 2_700_000_000),
	demo("@veritasium", "Veritasium", "education", 16_000_000, 3_000_000_000),
	demo("@mkbhd", "Marques Brownlee", "tech", 19_000_000, 4_500_000_000),
	demo("@lck", "LCK Global", "gaming", 1_800_000, 900_000_000),
}

func demo(handle, name, category string, subs, views int64) listing.Request {
	return listing.Request{
		Handle:   handle,
		Name:     name,
		Category: category,
		Stats: model.PopularityStats{
			Subscribers: subs,
			TotalViews:  views,
			RecentViews: views / 200,
		},
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	withDemo, err := cmd.Flags().GetBool("demo-assets")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := seed(cmd, st, cfg, withDemo)
	if err != nil {
		return err
	}
	slog.Info("seed complete", "orders_placed", n)
	return nil
}

func seed(cmd *cobra.Command, st store.Store, cfg config.Config, withDemo bool) (int, error) {
	ctx := cmd.Context()

	if withDemo {
		existing, err := st.ListAssets(ctx, false)
		if err != nil {
			return 0, err
		}
		if len(existing) == 0 {
			for _, req := range demoCreators {
				a, err := listing.NewAsset(req, pricing.Default, time.Now())
				if err != nil {
					return 0, fmt.Errorf("demo asset %s: %w", req.Handle, err)
				}
				if err := st.CreateAsset(ctx, a); err != nil {
					return 0, fmt.Errorf("demo asset %s: %w", req.Handle, err)
				}
				slog.Info("asset listed", "handle", a.Handle, "price", a.ReferencePrice.String())
			}
		}
	}

	agents, err := agent.Spawn(ctx, st, cfg.Agent.Count, cfg.Agent.Budget)
	if err != nil {
		return 0, err
	}
	slog.Info("agents ready", "count", len(agents))

	eng := engine.New(st, engine.WithLogger(slog.Default()), engine.WithMatchDepth(cfg.Engine.MatchDepth))
	return agent.SeedLiquidity(ctx, eng, st, agent.DefaultSeedConfig())
}
