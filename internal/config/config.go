// Package config loads jiracache settings from a YAML file, JIRACACHE_*
// environment variables and built-in defaults, in decreasing priority:
// environment, file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	// jira.timezone must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/JohanCodinha/jiracache/internal/cache"
	"github.com/JohanCodinha/jiracache/internal/logger"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use
// underscores: jira.api_token is JIRACACHE_JIRA_API_TOKEN.
const EnvPrefix = "JIRACACHE"

// Config keys.
const (
	KeyJiraURL             = "jira.url"
	KeyJiraUsername        = "jira.username"
	KeyJiraAPIToken        = "jira.api_token"
	KeyJiraTimezone        = "jira.timezone"
	KeyJiraMaxRetryElapsed = "jira.max_retry_elapsed"
	KeyCachePath           = "cache.path"
	KeyCacheDriver         = "cache.driver"
	KeyCacheBusyTimeout    = "cache.busy_timeout"
	KeySyncProjects        = "sync.projects"
	KeySyncStart           = "sync.start"
	KeySyncPageSize        = "sync.page_size"
	KeySyncConcurrency     = "sync.concurrency"
	KeySyncLockTimeout     = "sync.lock_timeout"
	KeyLogLevel            = "log.level"
	KeyLogFile             = "log.file"
)

// dateLayout is accepted for sync.start in addition to RFC 3339.
const dateLayout = "2006-01-02"

// Config is the resolved configuration.
type Config struct {
	Jira  JiraConfig
	Cache CacheConfig
	Sync  SyncConfig
	Log   LogConfig

	// File is the config file that was read, or "" if none.
	File string
}

// JiraConfig holds the connection settings of the Jira instance.
type JiraConfig struct {
	URL             string
	Username        string
	APIToken        string
	Timezone        string
	MaxRetryElapsed time.Duration
}

// CacheConfig holds the local cache settings.
type CacheConfig struct {
	Path        string
	Driver      string
	BusyTimeout time.Duration
}

// SyncConfig holds sync pass settings.
type SyncConfig struct {
	Projects    []string
	Start       time.Time
	PageSize    int
	Concurrency int
	LockTimeout time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
}

// DefaultConfigPath returns ~/.config/jiracache/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "jiracache", "config.yaml"), nil
}

// DefaultCachePath returns ~/.cache/jiracache/issues.db.
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "jiracache", "issues.db"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyJiraTimezone, "UTC")
	v.SetDefault(KeyJiraMaxRetryElapsed, "30s")
	v.SetDefault(KeyCacheDriver, cache.DriverModernc)
	v.SetDefault(KeyCacheBusyTimeout, "5s")
	v.SetDefault(KeySyncProjects, []string{})
	v.SetDefault(KeySyncStart, "2000-01-01")
	v.SetDefault(KeySyncPageSize, 50)
	v.SetDefault(KeySyncConcurrency, 4)
	v.SetDefault(KeySyncLockTimeout, "10s")
	v.SetDefault(KeyLogLevel, "info")
	if p, err := DefaultCachePath(); err == nil {
		v.SetDefault(KeyCachePath, p)
	}
}

// Load reads the configuration. An explicit path must exist; when path is
// empty the default file is read if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := path
	if file == "" {
		if def, err := DefaultConfigPath(); err == nil {
			if _, err := os.Stat(def); err == nil {
				file = def
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
		logger.Debug("config: loaded %s", file)
	}

	return fromViper(v, file)
}

func fromViper(v *viper.Viper, file string) (*Config, error) {
	cfg := &Config{
		File: file,
		Jira: JiraConfig{
			URL:      strings.TrimSpace(v.GetString(KeyJiraURL)),
			Username: v.GetString(KeyJiraUsername),
			APIToken: v.GetString(KeyJiraAPIToken),
			Timezone: v.GetString(KeyJiraTimezone),
		},
		Cache: CacheConfig{
			Path:   expandHome(v.GetString(KeyCachePath)),
			Driver: v.GetString(KeyCacheDriver),
		},
		Sync: SyncConfig{
			Projects:    splitProjects(v.GetStringSlice(KeySyncProjects)),
			PageSize:    v.GetInt(KeySyncPageSize),
			Concurrency: v.GetInt(KeySyncConcurrency),
		},
		Log: LogConfig{
			Level: v.GetString(KeyLogLevel),
			File:  expandHome(v.GetString(KeyLogFile)),
		},
	}

	var err error
	if cfg.Jira.MaxRetryElapsed, err = duration(v, KeyJiraMaxRetryElapsed); err != nil {
		return nil, err
	}
	if cfg.Cache.BusyTimeout, err = duration(v, KeyCacheBusyTimeout); err != nil {
		return nil, err
	}
	if cfg.Sync.LockTimeout, err = duration(v, KeySyncLockTimeout); err != nil {
		return nil, err
	}
	if cfg.Sync.Start, err = ParseStart(v.GetString(KeySyncStart)); err != nil {
		return nil, fmt.Errorf("%s: %w", KeySyncStart, err)
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

// ParseStart parses a sync start time given as a date (midnight UTC) or an
// RFC 3339 timestamp.
func ParseStart(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid start %q: use YYYY-MM-DD or RFC 3339", s)
}

// Location returns the time zone JQL dates are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Jira.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Jira.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyJiraTimezone, err)
	}
	return loc, nil
}

// Validate checks that the settings needed for a sync are present and sane.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Jira.URL == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyJiraURL))
	}
	if c.Jira.APIToken == "" {
		errs = append(errs, fmt.Errorf("%s is required (or set %s_JIRA_API_TOKEN)", KeyJiraAPIToken, EnvPrefix))
	}
	if err := c.ValidateLocal(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeySyncPageSize, c.Sync.PageSize))
	}
	if c.Sync.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeySyncConcurrency, c.Sync.Concurrency))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateLocal checks only the settings needed to read the cache.
func (c *Config) ValidateLocal() error {
	var errs []error
	if c.Cache.Path == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyCachePath))
	}
	switch c.Cache.Driver {
	case cache.DriverModernc, cache.DriverNcruces:
	default:
		errs = append(errs, fmt.Errorf("%s must be %s or %s, got %q", KeyCacheDriver, cache.DriverModernc, cache.DriverNcruces, c.Cache.Driver))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	return errors.Join(errs...)
}

// splitProjects accepts both YAML lists and comma separated env values.
func splitProjects(raw []string) []string {
	var projects []string
	for _, item := range raw {
		for _, p := range strings.Split(item, ",") {
			if p = strings.TrimSpace(p); p != "" {
				projects = append(projects, p)
			}
		}
	}
	return projects
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
