package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/reconciler/internal/aggregate"
	"github.com/atmx/reconciler/internal/config"
	"github.com/atmx/reconciler/internal/history"
	"github.com/atmx/reconciler/internal/lease"
	"github.com/atmx/reconciler/internal/metrics"
	"github.com/atmx/reconciler/internal/model"
	"github.com/atmx/reconciler/internal/position"
	"github.com/atmx/reconciler/internal/report"
	"github.com/atmx/reconciler/internal/scheduler"
	"github.com/atmx/reconciler/internal/store"
	"github.com/atmx/reconciler/internal/valuation"
	"github.com/atmx/reconciler/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store and lease ---
	var st store.Store
	var locker lease.Locker = lease.NewLocalLocker()
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
		if err := seedSymbols(ctx, st, cfg.SeedSymbols); err != nil {
			slog.Error("seed symbols failed", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		if err := seedMemory(ctx, ms, cfg); err != nil {
			slog.Error("seed failed", "err", err)
			os.Exit(1)
		}
		st = ms
	}

	// Redis backs the cross-process sync lease, and the read-through cache
	// when PostgreSQL is the primary.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = lease.NewRedisLocker(rdb)
		if cfg.DatabaseURL != "" {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
		slog.Info("Redis lease enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Venue clients ---
	venues, err := venue.NewFactory(func(creds model.Credentials) venue.Client {
		return venue.NewHTTPClient(creds,
			venue.WithRateLimit(cfg.VenueRateLimit),
			venue.WithTimeouts(cfg.VenueTimeout, cfg.VenueHistoryTimeout),
		)
	}, 1024, time.Hour)
	if err != nil {
		slog.Error("venue factory", "err", err)
		os.Exit(1)
	}
	defer venues.Close()

	// --- Reconciliation services ---
	syncer := history.NewSynchronizer(st, venues, locker, history.Config{
		PageSize:    cfg.SyncPageSize,
		LeaseTTL:    cfg.SyncLeaseTTL,
		Concurrency: cfg.SyncConcurrency,
	})
	deriver := position.NewDeriver(st, venues)
	valuer := valuation.NewService(st, venues, deriver)

	// --- WebSocket hub ---
	wsHub := report.NewHub()
	go wsHub.Run(ctx)

	if cfg.SchedulerEnabled {
		sched := scheduler.New(st, syncer, valuer, wsHub, cfg.SyncInterval, cfg.SnapshotInterval)
		go sched.Run(ctx)
		slog.Info("scheduler started", "sync_interval", cfg.SyncInterval, "snapshot_interval", cfg.SnapshotInterval)
	}

	reportSvc := report.NewService(report.Deps{
		Store:          st,
		Aggregates:     aggregate.NewService(st, cfg.AggregateWindow),
		Deriver:        deriver,
		Valuation:      valuer,
		Syncer:         syncer,
		Hub:            wsHub,
		CompletedLimit: cfg.CompletedLimit,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"reconciler"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Manual sync can page through history for minutes, so the API gets the
	// history timeout rather than a short request deadline.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.VenueHistoryTimeout + 30*time.Second))
		reportSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("reconciler listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down reconciler...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("reconciler stopped")
}

// seedSymbols registers the configured tradable symbols.
func seedSymbols(ctx context.Context, st store.Store, symbols []string) error {
	for _, sym := range symbols {
		if err := st.UpsertSymbol(ctx, model.Symbol{Symbol: sym, Name: sym, CanTrade: true}); err != nil {
			return err
		}
	}
	return nil
}

// seedMemory registers the configured symbols and, when venue credentials
// are given, one portfolio so a database-less run has something to sync.
func seedMemory(ctx context.Context, ms *store.MemoryStore, cfg config.Config) error {
	if err := seedSymbols(ctx, ms, cfg.SeedSymbols); err != nil {
		return err
	}
	if cfg.SeedAPIKey == "" || cfg.SeedBaseURL == "" {
		return nil
	}
	p := &model.Portfolio{
		Name:    "default",
		Visible: true,
		Credentials: &model.Credentials{
			APIKey:    cfg.SeedAPIKey,
			APISecret: cfg.SeedAPISecret,
			BaseURL:   cfg.SeedBaseURL,
		},
	}
	if err := ms.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	slog.Info("seeded portfolio", "portfolio", p.ID, "symbols", len(cfg.SeedSymbols))
	return nil
}
