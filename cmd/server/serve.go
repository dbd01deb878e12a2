package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/creatorx/market-engine/internal/agent"
	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/journal"
	"github.com/creatorx/market-engine/internal/metrics"
	"github.com/creatorx/market-engine/internal/trade"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Trade journal ---
	var j *journal.Journal
	if cfg.Server.JournalPath != "" {
		if j, err = journal.Open(cfg.Server.JournalPath, slog.Default()); err != nil {
			return err
		}
		defer j.Close()
		slog.Info("trade journal enabled", "path", cfg.Server.JournalPath)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	opts := []engine.Option{
		engine.WithLogger(slog.Default()),
		engine.WithMatchDepth(cfg.Engine.MatchDepth),
		engine.WithNotifier(wsHub),
	}
	if j != nil {
		opts = append(opts, engine.WithNotifier(j))
	}
	eng := engine.New(st, opts...)

	assets, err := st.ListAssets(ctx, true)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}
	metrics.ActiveAssets.Set(float64(len(assets)))
	for _, a := range assets {
		metrics.ReferencePrice.WithLabelValues(a.ID).Set(a.ReferencePrice.InexactFloat64())
	}

	// --- Liquidity agents ---
	if cfg.Agent.Enabled {
		if _, err := agent.Spawn(ctx, st, cfg.Agent.Count, cfg.Agent.Budget); err != nil {
			return fmt.Errorf("spawn agents: %w", err)
		}
		sup := agent.New(eng, st, agentConfig(cfg.Agent), agent.WithLogger(slog.Default())).Start(ctx)
		defer func() {
			if err := sup.Stop(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("agent supervisor exited", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	var svcOpts []trade.Option
	if cfg.Server.TradeRateLimit > 0 {
		svcOpts = append(svcOpts, trade.WithTradeLimiter(
			trade.NewAccountLimiter(float64(cfg.Server.TradeRateLimit), cfg.Server.TradeRateBurst)))
	}
	tradeSvc := trade.NewService(eng, st, j, wsHub, svcOpts...)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order and price updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("market-engine stopped")
	return nil
}
