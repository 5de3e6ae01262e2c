package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`

	SchedulerEnabled bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"2m"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`
	SyncPageSize     int           `env:"SYNC_PAGE_SIZE" envDefault:"300"`
	SyncLeaseTTL     time.Duration `env:"SYNC_LEASE_TTL" envDefault:"5m"`
	SyncConcurrency  int           `env:"SYNC_CONCURRENCY" envDefault:"8"`

	VenueTimeout        time.Duration `env:"VENUE_TIMEOUT" envDefault:"30s"`
	VenueHistoryTimeout time.Duration `env:"VENUE_HISTORY_TIMEOUT" envDefault:"2m"`
	VenueRateLimit      int           `env:"VENUE_RATE_LIMIT" envDefault:"10"`

	AggregateWindow int `env:"AGGREGATE_WINDOW" envDefault:"5000"`
	CompletedLimit  int `env:"COMPLETED_LIMIT" envDefault:"100"`

	// Without a database, one portfolio can be seeded into the memory store.
	SeedAPIKey    string   `env:"SEED_API_KEY"`
	SeedAPISecret string   `env:"SEED_API_SECRET"`
	SeedBaseURL   string   `env:"SEED_BASE_URL"`
	SeedSymbols   []string `env:"SEED_SYMBOLS" envSeparator:"," envDefault:"BTCUSDT,ETHUSDT"`
}

func Load() (Config, error) {
	var cfg Config
	return cfg, env.Parse(&cfg)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
