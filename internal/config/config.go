// Package config provides configuration management for the screener.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Cache  CacheConfig  `mapstructure:"cache"`
	Fetch  FetchConfig  `mapstructure:"fetch"`
	TASE   TASEConfig   `mapstructure:"tase"`
	Server ServerConfig `mapstructure:"server"`
	Warmup WarmupConfig `mapstructure:"warmup"`
	Log    LogConfig    `mapstructure:"log"`

	// File is the config file the values were read from.
	File string `mapstructure:"-"`
}

// CacheConfig holds cache store configuration.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// TTLDays maps a class name to a TTL in days, or "inf".
	TTLDays map[string]interface{} `mapstructure:"ttl_days"`
}

// FetchConfig holds upstream fetch configuration.
type FetchConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// TASEConfig maps numeric TASE identifiers to Yahoo symbols.
type TASEConfig struct {
	Symbols map[string]string `mapstructure:"symbols"`
}

// ServerConfig holds the read API configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// WarmupConfig holds the scheduled cache warm-up.
type WarmupConfig struct {
	Schedule    string   `mapstructure:"schedule"` // cron expression, empty disables
	Identifiers []string `mapstructure:"identifiers"`
	Attributes  []string `mapstructure:"attributes"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/portfolio-screener"
	}
	return filepath.Join(home, ".config", "portfolio-screener")
}

// DefaultConfigFile returns the default config file path.
func DefaultConfigFile() string {
	return filepath.Join(DefaultConfigDir(), "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", filepath.Join(DefaultConfigDir(), "cache.db"))
	v.SetDefault("fetch.concurrency", 3)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("server.addr", "127.0.0.1:8000")
	v.SetDefault("warmup.schedule", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", true)
}

// Load loads configuration from path. An empty path uses the default file.
// A missing file is created from the template and then read.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile()
	}
	loadDotEnv(filepath.Dir(path))

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createTemplateConfig(path); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrConfigInvalid, path, err)
	}

	cfg := &Config{File: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", apperrors.ErrConfigInvalid, path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Cache.Path = expandHome(cfg.Cache.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads .env from the working directory and the config
// directory. Variables already set win.
func loadDotEnv(configDir string) {
	for _, p := range []string{".env", filepath.Join(configDir, ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCREENER_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Enabled = b
		}
	}
	if v := os.Getenv("SCREENER_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("SCREENER_FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.Concurrency = n
		}
	}
	if v := os.Getenv("SCREENER_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SCREENER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.Enabled && c.Cache.Path == "" {
		return invalid("cache.path must be set when the cache is enabled")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}

	if c.Fetch.Concurrency < 1 {
		return invalid("fetch.concurrency must be at least 1")
	}
	if c.Fetch.MaxAttempts < 1 {
		return invalid("fetch.max_attempts must be at least 1")
	}
	if c.Fetch.RatePerSecond < 0 {
		return invalid("fetch.rate_per_second must be non-negative")
	}

	for id, symbol := range c.TASE.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return invalid(fmt.Sprintf("tase.symbols[%s] is empty", id))
		}
	}

	if c.Warmup.Schedule != "" && len(c.Warmup.Identifiers) == 0 {
		return invalid("warmup.identifiers must be set when warmup.schedule is")
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid(fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, msg)
}

// Policy builds the freshness policy from the TTL overrides.
func (c *Config) Policy() (*freshness.Policy, error) {
	overrides := make(map[freshness.Class]time.Duration, len(c.Cache.TTLDays))

	names := make([]string, 0, len(c.Cache.TTLDays))
	for name := range c.Cache.TTLDays {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		class, err := freshness.ParseClass(strings.ToLower(name))
		if err != nil {
			return nil, invalid(err.Error())
		}
		ttl, err := parseTTLDays(c.Cache.TTLDays[name])
		if err != nil {
			return nil, invalid(fmt.Sprintf("cache.ttl_days.%s: %v", name, err))
		}
		overrides[class] = ttl
	}

	p, err := freshness.NewPolicy(overrides)
	if err != nil {
		return nil, invalid(err.Error())
	}
	return p, nil
}

// parseTTLDays accepts a non-negative whole number of days or "inf".
func parseTTLDays(raw interface{}) (time.Duration, error) {
	var days float64
	switch v := raw.(type) {
	case int:
		days = float64(v)
	case int64:
		days = float64(v)
	case float64:
		days = v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "inf" || s == "infinite" {
			return freshness.Infinite, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("want days or \"inf\", got %q", v)
		}
		days = f
	default:
		return 0, fmt.Errorf("want days or \"inf\", got %v", raw)
	}
	switch {
	case math.IsNaN(days):
		return 0, fmt.Errorf("want days or \"inf\", got %v", raw)
	case days < 0:
		return 0, fmt.Errorf("must be non-negative, got %v", days)
	case days >= maxTTLDays:
		return freshness.Infinite, nil
	case days != math.Trunc(days):
		return 0, fmt.Errorf("must be a whole number of days, got %v", days)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// maxTTLDays is the first day count a time.Duration cannot hold. Larger
// TTLs are treated as infinite.
var maxTTLDays = float64(math.MaxInt64 / int64(24*time.Hour))

// Logging converts the log section into a logger configuration.
func (c *Config) Logging() logging.LogConfig {
	lc := logging.DefaultLogConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	lc.File = c.Log.File
	return lc
}
