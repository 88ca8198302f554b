package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"guesty_sync/internal/adapters/guesty"
	server "guesty_sync/internal/adapters/http_server"
	"guesty_sync/internal/adapters/observability"
	redisad "guesty_sync/internal/adapters/redis"
	"guesty_sync/internal/adapters/scheduler"
	"guesty_sync/internal/app"
	"guesty_sync/internal/domain"
	"guesty_sync/internal/shared"
	"guesty_sync/internal/storage/memory"
	mysqlrepo "guesty_sync/internal/storage/mysql"
)

const (
	triggersPerMinute = 10
	shutdownGrace     = 20 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config failed")
	}

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(os.Stdout, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// storage
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("storage init failed")
	}
	defer closeStore()

	var cache domain.Cache
	var checks []pinger
	if p, ok := store.(pinger); ok {
		checks = append(checks, p)
	}
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB).WithPrefix("guesty_sync:")
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, status cache disabled")
		} else {
			cache = rc
			checks = append(checks, rc)
		}
	}

	// guesty
	limiter := app.NewRateLimiter(store, cfg.MaxRequestsPerDay)
	client, err := guesty.New(cfg.GuestyBaseURL, guesty.NewSession(cfg.GuestyClientID, cfg.GuestyClientSecret), limiter, guesty.Options{
		HTTPClient:      &http.Client{Timeout: time.Duration(cfg.GuestyHTTPTimeoutMS) * time.Millisecond},
		RPS:             cfg.GuestyRPS,
		BreakerFailures: uint32(max(cfg.BreakerFailures, 0)),
		BreakerTimeout:  time.Duration(cfg.BreakerTimeoutSec) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize Guesty client")
	}

	// services; background runs get their own context so a finished request
	// does not cancel them, and shutdown does
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	syncSvc := app.NewSyncService(client, store, store, limiter, cache, app.SyncConfig{
		PageSize:              cfg.SyncPageSize,
		PageDelay:             cfg.PageDelay(),
		ReservationsDaysBack:  cfg.SyncReservationsDaysBack,
		ReservationsDaysAhead: cfg.SyncReservationsDaysAhead,
	}).WithBackground(runCtx)
	webhooks := app.NewWebhookService(store, store, cache)
	q := app.NewQueryService(store, store, limiter, cache, cfg.CacheTTL())

	// scheduled syncs
	sched := scheduler.New(runCtx)
	if err := sched.Add("properties", cfg.SyncPropertiesCron, func(ctx context.Context) error {
		_, err := syncSvc.SyncProperties(ctx)
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}
	if err := sched.Add("reservations", cfg.SyncReservationsCron, func(ctx context.Context) error {
		_, err := syncSvc.SyncReservations(ctx, app.ReservationSyncOptions{})
		return err
	}); err != nil {
		log.Fatal().Err(err).Msg("scheduler setup failed")
	}

	// http
	reg := observability.InitRegistry()
	metricsSrv := observability.Serve(cfg.MetricsAddr, reg)

	srv := server.New(server.Options{
		RequestTimeout:   cfg.RequestTimeout(),
		CORSOrigins:      cfg.CORSAllowedOrigins,
		WebhookPerMinute: cfg.WebhookRateLimitPerMin,
		TriggerPerMinute: triggersPerMinute,
	})
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Sync:        syncSvc,
		Webhooks:    webhooks,
		Q:           q,
		Credentials: client,
		Webhook: server.WebhookAuth{
			Secret:     cfg.WebhookSecret,
			SkipVerify: cfg.SkipWebhookVerify(),
		},
		Ready: func(ctx context.Context) error {
			for _, c := range checks {
				if err := c.Ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.Storage).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		cancelRuns()
		sched.Stop(sctx)
		syncSvc.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("bye")
}

// openStore picks the persistence backend. MySQL is migrated on boot.
func openStore(ctx context.Context, cfg shared.Config) (domain.Store, func(), error) {
	if cfg.Storage == "memory" {
		log.Warn().Msg("using in-memory storage; data and quota ledger are lost on restart")
		return memory.New(), func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	log.Info().Msg("database connection ok")

	if err := mysqlrepo.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return mysqlrepo.New(db), func() { _ = db.Close() }, nil
}
