// Package config loads CLI and test-server settings from YAML and the
// environment with a fixed precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/atlantark/internal/logger"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "atlantark.yaml"

// Config is the root configuration. Sources, highest first:
//  1. explicit path passed to Load
//  2. CONFIG_PATH
//  3. ./atlantark.yaml
//  4. environment only
//
// A .env file in the working directory is loaded into the environment
// before any of these are consulted and never overrides variables that are
// already set.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	Intervals IntervalsConfig `yaml:"intervals"`
	Log       logger.Config   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Callback  CallbackConfig  `yaml:"callback"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" env:"API_BASE_URL" env-default:"http://localhost:8080"`
	Timeout time.Duration `yaml:"timeout"  env:"API_TIMEOUT"  env-default:"10s"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	// Driver is one of memory, file, sqlite, redis.
	Driver string `yaml:"driver" env:"STORE_DRIVER" env-default:"file"`

	Path string `yaml:"path" env:"STORE_PATH" env-default:".atlantark/session.json"`
	// SealKey is base64 of 32 bytes; when set the file backend encrypts at rest.
	SealKey string `yaml:"seal_key" env:"STORE_SEAL_KEY"`

	SQLiteDSN string `yaml:"sqlite_dsn" env:"STORE_SQLITE_DSN" env-default:".atlantark/session.db"`

	RedisAddr   string `yaml:"redis_addr"   env:"STORE_REDIS_ADDR"   env-default:"localhost:6379"`
	RedisDB     int    `yaml:"redis_db"     env:"STORE_REDIS_DB"     env-default:"0"`
	RedisPrefix string `yaml:"redis_prefix" env:"STORE_REDIS_PREFIX" env-default:"atlantark:"`
}

type CSRFConfig struct {
	Cookie string `yaml:"cookie" env:"CSRF_COOKIE" env-default:"csrf_token"`
	Header string `yaml:"header" env:"CSRF_HEADER" env-default:"X-CSRF-Token"`
}

type IntervalsConfig struct {
	Profile time.Duration `yaml:"profile" env:"PROFILE_INTERVAL" env-default:"120s"`
	Stats   time.Duration `yaml:"stats"   env:"STATS_INTERVAL"   env-default:"30s"`
}

type MetricsConfig struct {
	// Addr serves /metrics when non-empty.
	Addr string `yaml:"addr" env:"METRICS_ADDR"`
}

// CallbackConfig is the loopback listener used by `login --listen`.
type CallbackConfig struct {
	Addr string `yaml:"addr" env:"CALLBACK_ADDR" env-default:"127.0.0.1:8765"`
}

var drivers = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
	"redis":  true,
}

// MustLoad is Load that panics.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	// a missing .env is the common case
	_ = godotenv.Load()

	var cfg Config
	read := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", p)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		return &cfg, cfg.Validate()
	}

	if path != "" {
		return read(path)
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return read(envPath)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return read(DefaultFile)
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an absolute http(s) URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be > 0")
	}

	driver := strings.ToLower(c.Store.Driver)
	if !drivers[driver] {
		return fmt.Errorf("store.driver %q is not one of memory, file, sqlite, redis", c.Store.Driver)
	}
	c.Store.Driver = driver
	if driver == "file" && c.Store.Path == "" {
		return errors.New("store.path is required for the file driver")
	}
	if c.Store.SealKey != "" {
		if _, err := c.Store.Key(); err != nil {
			return err
		}
	}

	if c.CSRF.Cookie == "" || c.CSRF.Header == "" {
		return errors.New("csrf.cookie and csrf.header must be set")
	}
	if c.Intervals.Profile <= 0 || c.Intervals.Stats <= 0 {
		return errors.New("intervals must be > 0")
	}
	return nil
}

// Key decodes SealKey. It returns nil, nil when no key is configured.
func (s StoreConfig) Key() ([]byte, error) {
	if s.SealKey == "" {
		return nil, nil
	}
	k, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.SealKey))
	if err != nil {
		return nil, fmt.Errorf("store.seal_key: %w", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("store.seal_key must decode to 32 bytes, got %d", len(k))
	}
	return k, nil
}
