package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen           = "127.0.0.1:8080"
	defaultTimezone         = "Asia/Seoul"
	defaultDatabase         = "/var/lib/festcal/festcal.db"
	defaultLogLevel         = "info"
	defaultExtendYears      = 5
	defaultCacheExpiryDays  = 30
	defaultMaintenanceCron  = "0 3 * * *"
	defaultCacheCleanupCron = "30 3 * * 0"
	defaultWorkers          = 4
	defaultStrategyTimeout  = 5 * time.Second
	defaultAttempts         = 1
)

// SourceConfig is one remote lunar conversion endpoint. Name is either
// "authoritative" or "secondary" and decides its place in the chain.
type SourceConfig struct {
	Name    string        `yaml:"name" json:"name"`
	URL     string        `yaml:"url" json:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ConverterConfig tunes the lunar converter chain.
type ConverterConfig struct {
	// StrategyTimeout bounds one attempt of one strategy.
	StrategyTimeout time.Duration `yaml:"strategy_timeout" json:"strategy_timeout"`
	// Attempts is how often a failing strategy is retried before the chain
	// moves on.
	Attempts int `yaml:"attempts" json:"attempts"`
	// StaticFallback enables the well-known-dates table as last resort.
	StaticFallback *bool          `yaml:"static_fallback,omitempty" json:"static_fallback,omitempty"`
	Sources        []SourceConfig `yaml:"sources" json:"sources"`
}

// UseStaticFallback reports whether the static table is enabled (default on).
func (c ConverterConfig) UseStaticFallback() bool {
	return c.StaticFallback == nil || *c.StaticFallback
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone that decides "today" and the current year.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Database is the sqlite file path.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// ExtendYears is the horizon width: rules are kept materialized through
	// current year + ExtendYears.
	ExtendYears int `yaml:"extend_years" json:"extend_years"`

	// CacheExpiryDays is the conversion cache freshness window.
	CacheExpiryDays int `yaml:"cache_expiry_days" json:"cache_expiry_days"`

	// MaintenanceCron schedules the maintenance run.
	MaintenanceCron string `yaml:"maintenance_cron" json:"maintenance_cron"`

	// CacheCleanupCron schedules conversion cache pruning.
	CacheCleanupCron string `yaml:"cache_cleanup_cron" json:"cache_cleanup_cron"`

	// Workers bounds concurrent rule extension during maintenance.
	Workers int `yaml:"workers" json:"workers"`

	Converter ConverterConfig `yaml:"converter" json:"converter"`

	// RedisURL, if set, puts a shared Redis layer in front of the
	// conversion cache.
	RedisURL string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		Timezone:         defaultTimezone,
		Database:         defaultDatabase,
		LogLevel:         defaultLogLevel,
		ExtendYears:      defaultExtendYears,
		CacheExpiryDays:  defaultCacheExpiryDays,
		MaintenanceCron:  defaultMaintenanceCron,
		CacheCleanupCron: defaultCacheCleanupCron,
		Workers:          defaultWorkers,
		Converter: ConverterConfig{
			StrategyTimeout: defaultStrategyTimeout,
			Attempts:        defaultAttempts,
			Sources:         []SourceConfig{},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.ExtendYears <= 0 {
		c.ExtendYears = defaultExtendYears
	}
	if c.CacheExpiryDays <= 0 {
		c.CacheExpiryDays = defaultCacheExpiryDays
	}
	if strings.TrimSpace(c.MaintenanceCron) == "" {
		c.MaintenanceCron = defaultMaintenanceCron
	}
	if strings.TrimSpace(c.CacheCleanupCron) == "" {
		c.CacheCleanupCron = defaultCacheCleanupCron
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.Converter.StrategyTimeout <= 0 {
		c.Converter.StrategyTimeout = defaultStrategyTimeout
	}
	if c.Converter.Attempts <= 0 {
		c.Converter.Attempts = defaultAttempts
	}
	if c.Converter.Sources == nil {
		c.Converter.Sources = []SourceConfig{}
	}
	for i := range c.Converter.Sources {
		s := &c.Converter.Sources[i]
		s.Name = strings.ToLower(strings.TrimSpace(s.Name))
		s.URL = strings.TrimSpace(s.URL)
		if s.Timeout <= 0 {
			s.Timeout = c.Converter.StrategyTimeout
		}
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.MaintenanceCron); err != nil {
		errs = append(errs, fmt.Errorf("maintenance_cron %q: %w", c.MaintenanceCron, err))
	}
	if _, err := cron.ParseStandard(c.CacheCleanupCron); err != nil {
		errs = append(errs, fmt.Errorf("cache_cleanup_cron %q: %w", c.CacheCleanupCron, err))
	}
	for i, s := range c.Converter.Sources {
		if s.Name != "authoritative" && s.Name != "secondary" {
			errs = append(errs, fmt.Errorf("converter.sources[%d].name must be authoritative or secondary, got %q", i, s.Name))
		}
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("converter.sources[%d].url is empty", i))
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CacheExpiry is CacheExpiryDays as a duration.
func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpiryDays) * 24 * time.Hour
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, write a default config with 0600 perms
//     and return it.
//   - Otherwise unmarshal the YAML, normalize defaults and validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, creating the
// parent directory (0700) and leaving the file at 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".festcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
