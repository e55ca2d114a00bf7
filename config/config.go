/*
Package config loads the service configuration.

PRECEDENCE (later wins):
  1. Defaults (Default())
  2. TOML file, if a path is given and the file exists
  3. .env in the working directory, if present (only fills unset variables)
  4. DEBTLEDGER_* environment variables

EXAMPLE debt-ledger.toml:

	[server]
	port = 8080
	allowed_origins = ["http://localhost:3000"]

	[store]
	driver = "sqlite"
	path = "debt-ledger.db"

	[ledger]
	rounding = "per_step"

	[reminder]
	generator_url = "http://localhost:9000/reminder"
	timeout = "5s"
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/warp/debt-ledger/ledger"
)

const EnvPrefix = "DEBTLEDGER_"

// =============================================================================
// SECTIONS
// =============================================================================

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	PubSub   PubSubConfig   `toml:"pubsub"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Mirror   MirrorConfig   `toml:"mirror"`
	Reminder ReminderConfig `toml:"reminder"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // memory | sqlite
	Path   string `toml:"path"`
}

type RedisConfig struct {
	Enabled  bool          `toml:"enabled"`
	Address  string        `toml:"address"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	Prefix   string        `toml:"prefix"`
	LockTTL  time.Duration `toml:"lock_ttl"`
}

type PubSubConfig struct {
	Enabled         bool   `toml:"enabled"`
	ProjectID       string `toml:"project_id"`
	Topic           string `toml:"topic"`
	Subscription    string `toml:"subscription"`
	CredentialsJSON string `toml:"credentials_json"`
}

type LedgerConfig struct {
	Rounding      string `toml:"rounding"` // per_step | final
	DefaultRegion string `toml:"default_region"`
}

type MirrorConfig struct {
	Workers      int `toml:"workers"`
	QueueSize    int `toml:"queue_size"`
	HistoryLimit int `toml:"history_limit"`
	// ResyncInterval re-lists the store periodically; 0 disables it.
	ResyncInterval time.Duration `toml:"resync_interval"`
	TombstoneLimit int           `toml:"tombstone_limit"`
}

type ReminderConfig struct {
	GeneratorURL    string        `toml:"generator_url"` // empty = local template
	Timeout         time.Duration `toml:"timeout"`
	RecentWindow    int           `toml:"recent_window"`
	RequireBaseline bool          `toml:"require_baseline"`
	FeedSize        int           `toml:"feed_size"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | text
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{Driver: "memory", Path: "debt-ledger.db"},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "debtledger:",
			LockTTL: 10 * time.Second,
		},
		PubSub: PubSubConfig{Topic: "debtor-snapshots", Subscription: "debtor-snapshots-mirror"},
		Ledger: LedgerConfig{Rounding: string(ledger.RoundPerStep), DefaultRegion: ledger.DefaultRegion},
		Mirror: MirrorConfig{
			Workers:        4,
			QueueSize:      256,
			HistoryLimit:   100,
			ResyncInterval: 5 * time.Minute,
			TombstoneLimit: 10000,
		},
		Reminder: ReminderConfig{
			Timeout:      5 * time.Second,
			RecentWindow: 5,
			FeedSize:     100,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration. An empty path skips the TOML file; a
// missing file at a non-empty path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides cfg with DEBTLEDGER_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	num("PORT", &cfg.Server.Port)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_PATH", &cfg.Store.Path)

	flag("REDIS_ENABLED", &cfg.Redis.Enabled)
	str("REDIS_ADDRESS", &cfg.Redis.Address)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	dur("REDIS_LOCK_TTL", &cfg.Redis.LockTTL)

	flag("PUBSUB_ENABLED", &cfg.PubSub.Enabled)
	str("PUBSUB_PROJECT_ID", &cfg.PubSub.ProjectID)
	str("PUBSUB_TOPIC", &cfg.PubSub.Topic)
	str("PUBSUB_SUBSCRIPTION", &cfg.PubSub.Subscription)
	str("PUBSUB_CREDENTIALS_JSON", &cfg.PubSub.CredentialsJSON)

	str("LEDGER_ROUNDING", &cfg.Ledger.Rounding)
	str("LEDGER_DEFAULT_REGION", &cfg.Ledger.DefaultRegion)

	num("MIRROR_WORKERS", &cfg.Mirror.Workers)
	num("MIRROR_QUEUE_SIZE", &cfg.Mirror.QueueSize)
	dur("MIRROR_RESYNC_INTERVAL", &cfg.Mirror.ResyncInterval)
	num("MIRROR_TOMBSTONE_LIMIT", &cfg.Mirror.TombstoneLimit)

	str("GENERATOR_URL", &cfg.Reminder.GeneratorURL)
	dur("REMINDER_TIMEOUT", &cfg.Reminder.Timeout)
	flag("REMINDER_REQUIRE_BASELINE", &cfg.Reminder.RequireBaseline)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, fmt.Errorf("config %s: %s", field, reason))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port", "must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			bad("store.path", "required for the sqlite driver")
		}
	default:
		bad("store.driver", fmt.Sprintf("unknown driver %q", c.Store.Driver))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		bad("redis.address", "required when redis is enabled")
	}
	if c.Redis.LockTTL <= 0 {
		bad("redis.lock_ttl", "must be positive")
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			bad("pubsub.project_id", "required when pubsub is enabled")
		}
		if c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			bad("pubsub.topic", "topic and subscription are required")
		}
	}
	if !ledger.Rounding(c.Ledger.Rounding).IsValid() {
		bad("ledger.rounding", fmt.Sprintf("unknown mode %q", c.Ledger.Rounding))
	}
	if c.Mirror.Workers <= 0 {
		bad("mirror.workers", "must be positive")
	}
	if c.Mirror.QueueSize <= 0 {
		bad("mirror.queue_size", "must be positive")
	}
	if c.Mirror.HistoryLimit <= 0 {
		bad("mirror.history_limit", "must be positive")
	}
	if c.Mirror.TombstoneLimit <= 0 {
		bad("mirror.tombstone_limit", "must be positive")
	}
	if c.Mirror.ResyncInterval < 0 {
		bad("mirror.resync_interval", "must not be negative")
	}
	if c.Reminder.Timeout <= 0 {
		bad("reminder.timeout", "must be positive")
	}
	if c.Reminder.RecentWindow <= 0 {
		bad("reminder.recent_window", "must be positive")
	}
	if c.Reminder.FeedSize <= 0 {
		bad("reminder.feed_size", "must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		bad("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
