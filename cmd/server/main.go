package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/api"
	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/chain"
	"github.com/atmx/auction-engine/internal/config"
	"github.com/atmx/auction-engine/internal/event"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/txn"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis (optional): read-through cache and event pub/sub ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store, ledger and transaction runner ---
	var (
		st       store.Store
		runner   txn.Runner
		currency interface {
			ledger.Currency
			ledger.Depositor
		}
		assets interface {
			ledger.Assets
			ledger.Minter
		}
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pgStore := store.NewPostgresStore(pool)
		pgRunner := txn.NewPgRunner(pool)
		pgLedger := ledger.NewPostgresLedger(pool, pgRunner)
		if err := pgStore.Migrate(ctx); err != nil {
			slog.Error("store migration failed", "err", err)
			os.Exit(1)
		}
		if err := pgLedger.Migrate(ctx); err != nil {
			slog.Error("ledger migration failed", "err", err)
			os.Exit(1)
		}
		st, runner = pgStore, pgRunner
		currency, assets = pgLedger.Currency(), pgLedger.Assets()
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store and ledger (data will not persist)")
		st = store.NewMemoryStore()
		runner = txn.NewJournal()
		currency, assets = ledger.NewMemoryCurrency(), ledger.NewMemoryAssets()
	}

	// --- Notifications ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	sinks := event.Multi{event.LogSink{Logger: logger}, wsHub}
	if rdb != nil {
		pub := event.NewRedisPublisher(rdb, cfg.RedisChannel)
		go pub.Run(ctx)
		sinks = append(sinks, pub)
		slog.Info("Redis event publisher enabled", "channel", cfg.RedisChannel)
	}

	// --- Engine and host runtime ---
	engine := auction.NewEngine(st, runner, currency, assets, sinks, cfg.Engine)
	rt, err := chain.New(ctx, engine, cfg.TickInterval)
	if err != nil {
		slog.Error("runtime init failed", "err", err)
		os.Exit(1)
	}
	rt.OnFinalize = func(r *auction.SettlementReport) {
		for _, f := range r.Failed {
			slog.Warn("auction left unsettled", "tick", r.Tick, "auction_id", f.AuctionID, "err", f.Err)
		}
	}
	go rt.Run(ctx)

	var faucet *api.Faucet
	switch {
	case cfg.FaucetEnabled():
		faucet = &api.Faucet{Currency: currency, Assets: assets}
		slog.Warn("DEV_FAUCET enabled, deposit and mint routes are open")
	case cfg.DevFaucet:
		slog.Warn("DEV_FAUCET ignored, the faucet only runs over the in-memory ledger")
	}
	svc := api.NewService(rt, faucet)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(svc, wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auction-engine listening", "port", cfg.Port, "settlement", cfg.Engine.Settlement)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down auction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("auction-engine stopped")
}
