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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pnl-engine/internal/broadcast"
	"github.com/atmx/pnl-engine/internal/config"
	"github.com/atmx/pnl-engine/internal/feed"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/position"
	"github.com/atmx/pnl-engine/internal/store"
	"github.com/atmx/pnl-engine/internal/trade"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})).
		With("service", "pnl-engine", "instance", cfg.InstanceID)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Warn("invalid settings replaced by defaults", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var history store.HistoryStore = store.NewMemoryHistoryStore()
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := cfg.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
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
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if redisURL := cfg.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		history = store.NewRedisHistoryStore(rdb, cfg.HistoryTTL)
		slog.Info("Redis enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Broadcast ---
	wsHub := broadcast.NewWSHub()
	sinks := broadcast.Fanout{wsHub}
	var notifier broadcast.FillNotifier = broadcast.Nop{}
	var publisher *broadcast.RedisPublisher
	if rdb != nil {
		publisher = broadcast.NewRedisPublisher(rdb, cfg.InstanceID)
		sinks = append(sinks, publisher)
		notifier = publisher
	}

	// --- Position cache and trade service ---
	tracker := position.NewTracker(position.Config{
		HistoryCapacity:      cfg.HistoryCapacity,
		IdleTTL:              cfg.IdleTTL,
		TickInterval:         cfg.TickInterval,
		CleanupInterval:      cfg.CleanupInterval,
		HistoryFlushInterval: cfg.HistoryFlushInterval,
	}, trade.LedgerHydrator(st), history, sinks)

	svc := trade.NewService(st, tracker, notifier, trade.Options{
		InstanceID:    cfg.InstanceID,
		LedgerTimeout: cfg.LedgerTimeout,
		Reporting:     cfg.ReportingEnabled,
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
		fmt.Fprintf(w, `{"status":"ok","service":"pnl-engine","instance":%q,"cached_positions":%d}`,
			cfg.InstanceID, tracker.Len())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live PnL ticks.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Fill ingestion and mark prices.
			r.Post("/fills", svc.PostFill)
			r.Post("/prices", svc.PostPrice)

			// Position and PnL queries.
			r.Get("/positions/{userID}/{mode}/{mint}", svc.GetPositionHandler)
			r.Get("/portfolio/{userID}", svc.GetPortfolioHandler)
			r.Get("/history/{userID}", svc.GetHistoryHandler)
			r.Post("/pnl/batch", svc.PostBatchPnL)
			r.Get("/audit/{userID}/{mode}/{mint}", svc.GetAuditHandler)
		})
	})

	// --- Background loops ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { wsHub.Run(gctx); return nil })
	g.Go(func() error { return tracker.Run(gctx) })
	g.Go(func() error { svc.RunReconciler(gctx, cfg.ReconcileInterval); return nil })
	if rdb != nil {
		relay := broadcast.NewRelay(rdb, cfg.InstanceID, wsHub, svc.HandleFillApplied)
		prices := feed.NewRedisSubscriber(rdb, svc.OnPriceUpdate)
		g.Go(func() error { publisher.Run(gctx); return nil })
		g.Go(func() error { relay.Run(gctx); return nil })
		g.Go(func() error { prices.Run(gctx); return nil })
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("pnl-engine listening", "port", cfg.Port, "reporting", cfg.ReportingEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pnl-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("pnl-engine stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("pnl-engine stopped")
}
