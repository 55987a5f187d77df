// Package config loads syncq settings from a YAML file, .env files and
// SYNCQ_-prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SYNCQ_STORE_DSN.
const EnvPrefix = "SYNCQ"

type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Conflict ConflictConfig `mapstructure:"conflict"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
	Key string `mapstructure:"key"`
}

type QueueConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
}

type DriverConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AuthToken      string        `mapstructure:"auth_token"`
	IDField        string        `mapstructure:"id_field"`
	Schedule       string        `mapstructure:"schedule"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ClearCompleted bool          `mapstructure:"clear_completed"`
	MaxBatch       int           `mapstructure:"max_batch"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type ConflictConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "sqlite://syncq.db")
	v.SetDefault("store.key", "syncq:queue")

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.lease_ttl", "2m")

	v.SetDefault("driver.base_url", "")
	v.SetDefault("driver.auth_token", "")
	v.SetDefault("driver.id_field", "id")
	v.SetDefault("driver.schedule", "@every 30s")
	v.SetDefault("driver.request_timeout", "10s")
	v.SetDefault("driver.clear_completed", false)
	v.SetDefault("driver.max_batch", 0)
	v.SetDefault("driver.breaker.max_requests", 1)
	v.SetDefault("driver.breaker.interval", "1m")
	v.SetDefault("driver.breaker.timeout", "30s")
	v.SetDefault("driver.breaker.consecutive_failures", 5)

	v.SetDefault("conflict.policy_file", "")

	v.SetDefault("http.addr", ":8089")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty to use defaults and the
// environment only. .env files in the working directory are applied first.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles("."); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFiles applies .env.local then .env from dir. Variables already in
// the environment are never overwritten, so .env.local wins over .env and
// the real environment wins over both. Missing files are skipped.
func LoadEnvFiles(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if strings.TrimSpace(c.Store.Key) == "" {
		errs = append(errs, errors.New("store.key is required"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must not be negative, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.LeaseTTL < 0 {
		errs = append(errs, fmt.Errorf("queue.lease_ttl must not be negative, got %s", c.Queue.LeaseTTL))
	}
	if c.Driver.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("driver.request_timeout must not be negative, got %s", c.Driver.RequestTimeout))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}
