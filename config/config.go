// Package config loads conflictd settings from defaults, an optional YAML
// file and CONFLICT_* environment variables, in increasing precedence.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// EnvPrefix prefixes every environment override, e.g. CONFLICT_HTTP_ADDR.
const EnvPrefix = "CONFLICT"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Engine  EngineConfig   `mapstructure:"engine"`
	Storage StorageConfig  `mapstructure:"storage"`
	Redis   RedisConfig    `mapstructure:"redis"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Logging logging.Config `mapstructure:"logging"`
	Rules   RulesConfig    `mapstructure:"rules"`
	Notify  NotifyConfig   `mapstructure:"notify"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

type EngineConfig struct {
	Threshold    float64       `mapstructure:"threshold"`
	StoreRetries uint64        `mapstructure:"store_retries"`
	RetryInitial time.Duration `mapstructure:"retry_initial"`
}

// StorageConfig selects the conflict store. DSN is a file path or URI for
// sqlite and a connection string for postgres.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	CacheSize int    `mapstructure:"cache_size"` // 0 disables the read cache
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	Prefix   string `mapstructure:"prefix"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	MaxRequestSize  int64         `mapstructure:"max_request_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SSE             bool          `mapstructure:"sse"`
	WebSocket       bool          `mapstructure:"websocket"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type RulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type NotifyConfig struct {
	// Postgres publishes events with pg_notify. Requires the postgres driver.
	Postgres bool          `mapstructure:"postgres"`
	Channel  string        `mapstructure:"channel"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Load builds a Config. The YAML file at path is read only when path is
// non-empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.E(errors.OpLoadConfig, errors.Component("config"), errors.KindInvalid,
				fmt.Errorf("failed to read config file: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.E(errors.OpLoadConfig, errors.Component("config"), errors.KindInvalid,
			fmt.Errorf("failed to unmarshal config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(errors.OpLoadConfig, errors.Component("config"), errors.KindInvalid,
			fmt.Errorf("invalid configuration: %w", err))
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.threshold", 0.8)
	v.SetDefault("engine.store_retries", 3)
	v.SetDefault("engine.retry_initial", "50ms")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "conflicts")
	v.SetDefault("storage.cache_size", 1024)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.prefix", "conflicts:session:")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 100.0)
	v.SetDefault("http.burst", 200)
	v.SetDefault("http.max_request_size", 1<<20)
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.sse", true)
	v.SetDefault("http.websocket", true)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("logging.level", logging.DefaultConfig.Level)
	v.SetDefault("logging.format", logging.DefaultConfig.Format)
	v.SetDefault("logging.add_source", logging.DefaultConfig.AddSource)
	v.SetDefault("logging.environment", logging.DefaultConfig.Environment)

	v.SetDefault("rules.path", "")
	v.SetDefault("rules.watch", false)

	v.SetDefault("notify.postgres", false)
	v.SetDefault("notify.channel", "conflict_events")
	v.SetDefault("notify.breaker.enabled", true)
	v.SetDefault("notify.breaker.max_requests", 5)
	v.SetDefault("notify.breaker.interval", "30s")
	v.SetDefault("notify.breaker.timeout", "60s")
	v.SetDefault("notify.breaker.min_requests", 5)
	v.SetDefault("notify.breaker.failure_ratio", 0.5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "conflict")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.Threshold < 0 || c.Engine.Threshold > 1 {
		errs = append(errs, fmt.Errorf("engine.threshold %v outside [0,1]", c.Engine.Threshold))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.CacheSize < 0 {
		errs = append(errs, stderrors.New("storage.cache_size must not be negative"))
	}
	if c.Notify.Postgres && c.Storage.Driver != DriverPostgres {
		errs = append(errs, fmt.Errorf("notify.postgres requires storage.driver %q", DriverPostgres))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, stderrors.New("redis.address is required when redis is enabled"))
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	if c.Rules.Watch && c.Rules.Path == "" {
		errs = append(errs, stderrors.New("rules.watch requires rules.path"))
	}
	return stderrors.Join(errs...)
}
