package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"guesty_sync/internal/adapters/guesty"
	"guesty_sync/internal/adapters/observability"
	redisad "guesty_sync/internal/adapters/redis"
	"guesty_sync/internal/app"
	"guesty_sync/internal/domain"
	"guesty_sync/internal/shared"
	mysqlrepo "guesty_sync/internal/storage/mysql"
)

// syncer runs one batch sync against MySQL and prints the result as JSON.
func main() {
	os.Exit(run())
}

func run() int {
	what := flag.String("type", "properties", "properties or reservations")
	ids := flag.String("property-ids", "", "comma-separated Guesty listing ids (reservations only)")
	all := flag.Bool("all-properties", false, "one reservation call per locally mirrored property")
	from := flag.String("from", "", "check-in window start, YYYY-MM-DD")
	to := flag.String("to", "", "check-in window end, YYYY-MM-DD")
	flag.Parse()

	cfg, err := shared.Load()
	if err != nil {
		log.Error().Err(err).Msg("load config failed")
		return 2
	}

	// stdout carries the result, so logs go to stderr
	log.Logger = observability.NewLogger(os.Stderr, cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := app.ReservationSyncOptions{AllProperties: *all}
	for _, id := range strings.Split(*ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.PropertyIDs = append(opts.PropertyIDs, id)
		}
	}
	if opts.From, err = parseDay(*from); err != nil {
		log.Error().Err(err).Msg("bad -from")
		return 2
	}
	if opts.To, err = parseDay(*to); err != nil {
		log.Error().Err(err).Msg("bad -to")
		return 2
	}
	if err := shared.Validate(opts); err != nil {
		log.Error().Err(err).Msg("invalid options")
		return 2
	}
	if *what != "properties" && *what != "reservations" {
		log.Error().Str("type", *what).Msg("unknown sync type")
		return 2
	}

	log.Info().
		Str("type", *what).
		Int("property_ids", len(opts.PropertyIDs)).
		Bool("all_properties", opts.AllProperties).
		Msg("syncer starting")

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Error().Err(err).Msg("sql.Open failed")
		return 1
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error().Err(err).Msg("db.Ping failed")
		return 1
	}
	if err := mysqlrepo.Migrate(ctx, db); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		return 1
	}
	log.Info().Msg("db ping ok")

	// the API's status cache, so runs started here invalidate it too
	var cache domain.Cache
	if cfg.RedisAddr != "" {
		rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB).WithPrefix("guesty_sync:")
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, status cache left as is")
		} else {
			cache = rc
		}
	}

	repo := mysqlrepo.New(db)
	limiter := app.NewRateLimiter(repo, cfg.MaxRequestsPerDay)
	client, err := guesty.New(cfg.GuestyBaseURL, guesty.NewSession(cfg.GuestyClientID, cfg.GuestyClientSecret), limiter, guesty.Options{
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.GuestyHTTPTimeoutMS) * time.Millisecond},
		RPS:        cfg.GuestyRPS,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize Guesty client")
		return 1
	}

	svc := app.NewSyncService(client, repo, repo, limiter, cache, app.SyncConfig{
		PageSize:              cfg.SyncPageSize,
		PageDelay:             cfg.PageDelay(),
		ReservationsDaysBack:  cfg.SyncReservationsDaysBack,
		ReservationsDaysAhead: cfg.SyncReservationsDaysAhead,
	})

	var res app.SyncResult
	if *what == "properties" {
		res, err = svc.SyncProperties(ctx)
	} else {
		res, err = svc.SyncReservations(ctx, opts)
	}

	if encErr := json.NewEncoder(os.Stdout).Encode(res); encErr != nil {
		log.Error().Err(encErr).Msg("write result failed")
		return 1
	}
	if err != nil {
		log.Error().Err(err).Str("status", string(res.Status)).Msg("sync failed")
		return 1
	}
	log.Info().Str("status", string(res.Status)).Msg("sync completed")
	return 0
}

func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
