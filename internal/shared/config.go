package shared

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigPathEnvVar points at an optional YAML file layered between defaults and env.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config keys mirror the environment variable names, lowercased.
type Config struct {
	AppEnv      string `koanf:"app_env"`
	LogLevel    string `koanf:"log_level"`
	HTTPAddr    string `koanf:"http_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	Storage   string `koanf:"storage"` // mysql|memory
	MySQLDSN  string `koanf:"mysql_dsn"`
	RedisAddr string `koanf:"redis_addr"`
	RedisPass string `koanf:"redis_password"`
	RedisDB   int    `koanf:"redis_db"`

	GuestyBaseURL       string `koanf:"guesty_base_url"`
	GuestyClientID      string `koanf:"guesty_client_id"`
	GuestyClientSecret  string `koanf:"guesty_client_secret"`
	WebhookSecret       string `koanf:"guesty_webhook_secret"`
	WebhookSkipVerify   bool   `koanf:"guesty_webhook_skip_verify"`
	MaxRequestsPerDay   int    `koanf:"guesty_max_requests_per_day"`
	GuestyRPS           int    `koanf:"guesty_rps"`
	BreakerFailures     int    `koanf:"guesty_breaker_failures"`
	BreakerTimeoutSec   int    `koanf:"guesty_breaker_timeout_seconds"`
	GuestyHTTPTimeoutMS int    `koanf:"guesty_http_timeout_ms"`

	SyncPageSize              int    `koanf:"sync_page_size"`
	SyncPageDelayMS           int    `koanf:"sync_page_delay_ms"`
	SyncPropertiesCron        string `koanf:"sync_properties_cron"`
	SyncReservationsCron      string `koanf:"sync_reservations_cron"`
	SyncReservationsDaysBack  int    `koanf:"sync_reservations_days_back"`
	SyncReservationsDaysAhead int    `koanf:"sync_reservations_days_ahead"`

	CacheTTLSeconds        int      `koanf:"cache_ttl_seconds"`
	WebhookRateLimitPerMin int      `koanf:"webhook_rate_limit_per_min"`
	CORSAllowedOrigins     []string `koanf:"cors_allowed_origins"`
	RequestTimeoutSec      int      `koanf:"request_timeout_seconds"`
}

func defaultConfig() Config {
	return Config{
		AppEnv:      "prod",
		LogLevel:    "info",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9100",

		Storage:   "mysql",
		MySQLDSN:  "root:root@tcp(localhost:3306)/guesty?parseTime=true&charset=utf8mb4&loc=UTC",
		RedisAddr: "localhost:6379",

		GuestyBaseURL:       "https://open-api.guesty.com/api/v2",
		MaxRequestsPerDay:   5,
		GuestyRPS:           2,
		BreakerFailures:     3,
		BreakerTimeoutSec:   60,
		GuestyHTTPTimeoutMS: 30000,

		SyncPageSize:              100,
		SyncPageDelayMS:           1000,
		SyncReservationsDaysBack:  30,
		SyncReservationsDaysAhead: 365,

		CacheTTLSeconds:        30,
		WebhookRateLimitPerMin: 120,
		CORSAllowedOrigins:     []string{"*"},
		RequestTimeoutSec:      15,
	}
}

// Load layers defaults, then the optional YAML file named by CONFIG_PATH, then
// environment variables.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", p, err)
		}
	}
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitList(k, "cors_allowed_origins"); err != nil {
		return Config{}, err
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	if c.WebhookSecret == "" {
		log.Warn().Msg("GUESTY_WEBHOOK_SECRET is empty; webhook endpoint will answer 500")
	}
	if c.GuestyClientID == "" || c.GuestyClientSecret == "" {
		log.Warn().Msg("Guesty client credentials are empty; set them via PUT /api/guesty/credentials")
	}
	return c, nil
}

// splitList turns a comma-separated env value into a slice.
func splitList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if err := k.Set(path, out); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage {
	case "mysql", "memory":
	default:
		return fmt.Errorf("STORAGE must be mysql or memory, got %q", c.Storage)
	}
	if c.Storage == "mysql" && c.MySQLDSN == "" {
		return fmt.Errorf("MYSQL_DSN is required when STORAGE=mysql")
	}
	if c.GuestyBaseURL == "" {
		return fmt.Errorf("GUESTY_BASE_URL is required")
	}
	if c.MaxRequestsPerDay <= 0 {
		return fmt.Errorf("GUESTY_MAX_REQUESTS_PER_DAY must be positive")
	}
	if c.SyncPageSize <= 0 || c.SyncPageSize > 100 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be in 1..100")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel)
	}
	return nil
}

func (c Config) IsDev() bool { return c.AppEnv == "dev" || c.AppEnv == "development" }

// SkipWebhookVerify is honoured only in development.
func (c Config) SkipWebhookVerify() bool { return c.IsDev() && c.WebhookSkipVerify }

func (c Config) PageDelay() time.Duration { return time.Duration(c.SyncPageDelayMS) * time.Millisecond }

func (c Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}
