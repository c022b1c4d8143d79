package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/bankflow/internal/engine"
	"github.com/rendis/bankflow/internal/httpcall"
	"github.com/rendis/bankflow/internal/telemetry"
)

// Config holds all bankflow configuration.
// Priority: BANKFLOW_* env vars > bankflow.yaml > defaults.
type Config struct {
	Store   StoreConfig             `mapstructure:"store"`
	Lock    LockConfig              `mapstructure:"lock"`
	Log     LogConfig               `mapstructure:"log"`
	Engine  engine.Config           `mapstructure:"engine"`
	HTTP    httpcall.Config         `mapstructure:"http"`
	Tracing telemetry.TracingConfig `mapstructure:"tracing"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, libsql or postgres
	DSN    string `mapstructure:"dsn"`
}

// LockConfig selects the run lock. The redis driver adds a distributed
// lease on top of the in-process lock.
type LockConfig struct {
	Driver    string        `mapstructure:"driver"` // local or redis
	RedisAddr string        `mapstructure:"redis_addr"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	storeDrivers = map[string]bool{"memory": true, "sqlite": true, "libsql": true, "postgres": true}
	lockDrivers  = map[string]bool{"local": true, "redis": true}
)

func bankflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bankflow"
	}
	return filepath.Join(home, ".bankflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "file:"+filepath.Join(bankflowDir(), "bankflow.db"))

	v.SetDefault("lock.driver", "local")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.lease_ttl", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.worker_pool_size", engine.DefaultPoolSize)
	v.SetDefault("engine.lock_timeout", engine.DefaultLockTimeout)
	v.SetDefault("engine.max_inline_backoff", engine.DefaultMaxInlineBackoff)
	v.SetDefault("engine.escalation_interval", engine.DefaultEscalationInterval)
	v.SetDefault("engine.retry_sweep_interval", engine.DefaultRetrySweepInterval)
	v.SetDefault("engine.breaker_threshold", engine.DefaultBreakerConfig().Threshold)
	v.SetDefault("engine.breaker_cooldown", engine.DefaultBreakerConfig().Cooldown)

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.rate_limit", 0.0)
	v.SetDefault("http.burst", 1)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// loadConfig layers defaults, the config file and the environment. An
// explicit path must exist; otherwise bankflow.yaml is looked up in the
// working directory and ~/.bankflow and skipped when absent.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bankflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(bankflowDir())
	}

	v.SetEnvPrefix("BANKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Lock.Driver = strings.ToLower(strings.TrimSpace(cfg.Lock.Driver))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !storeDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver: unsupported driver %q (supported: memory, sqlite, libsql, postgres)", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required for driver %q", c.Store.Driver)
	}
	if !lockDrivers[c.Lock.Driver] {
		return fmt.Errorf("lock.driver: unsupported driver %q (supported: local, redis)", c.Lock.Driver)
	}
	if c.Lock.Driver == "redis" && c.Lock.RedisAddr == "" {
		return errors.New("lock.redis_addr: required for the redis driver")
	}
	return nil
}
