package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/creatorx/market-engine/internal/agent"
	"github.com/creatorx/market-engine/internal/config"
	"github.com/creatorx/market-engine/internal/store"
)

const (
	envFlagName  = "env"
	portFlagName = "port"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("market-engine failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "market-engine",
		Short:        "Creator asset exchange: order matching, price impact and synthetic liquidity",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().String(envFlagName, "", "Path to a .env file (default ./.env when present)")
	root.PersistentFlags().String(portFlagName, "", "HTTP port, overrides PORT")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket feed and liquidity agents",
		RunE:  runServe,
	})

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo assets and agent accounts, then lay opening liquidity",
		RunE:  runSeed,
	}
	seedCmd.Flags().Bool("demo-assets", true, "List the built-in demo creators when the catalogue is empty")
	root.AddCommand(seedCmd)
	return root
}

// loadConfig applies flag overrides on top of config.Load.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envPath, err := cmd.Flags().GetString(envFlagName)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(envPath)
	if err != nil {
		return cfg, err
	}
	port, err := cmd.Flags().GetString(portFlagName)
	if err != nil {
		return cfg, err
	}
	if port != "" {
		cfg.Server.Port = port
	}
	return cfg, nil
}

// openStore selects Postgres (optionally behind Redis) or the in-memory
// store. The returned cleanup releases connections.
func openStore(ctx context.Context, cfg config.Server) (store.Store, func(), error) {
	var cleanup []func()
	done := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), done, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, done, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		done()
		return nil, func() {}, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			done()
			return nil, func() {}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL.String())
	}
	return st, done, nil
}

// agentConfig maps service configuration onto the agent's tunables.
func agentConfig(cfg config.Agent) agent.Config {
	ac := agent.DefaultConfig()
	ac.Interval = cfg.Interval
	ac.StepDelay = cfg.StepDelay
	ac.MaxStepsPerTick = cfg.MaxStepsPerTick
	ac.CooldownMin = cfg.CooldownMin
	ac.CooldownMax = cfg.CooldownMax
	ac.OrderTTL = cfg.OrderTTL
	return ac
}

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second
