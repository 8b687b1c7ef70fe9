// Package config loads engine settings from a YAML file and the
// environment.
//
// Precedence, highest first: environment variables (prefix XEAR,
// dots become underscores, e.g. XEAR_REMOTE_BASE_URL), the config
// file, built-in defaults. Path fields left empty resolve under
// DataDir after loading, so overriding data_dir alone relocates the
// database, spool and log together.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the environment variables read by Load.
const EnvPrefix = "XEAR"

// Config is the root configuration for the engine and its daemon.
type Config struct {
	// DataDir anchors every relative artifact: database, spool
	// directory, rotating log.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Kinds  KindsConfig  `mapstructure:"kinds" yaml:"kinds"`
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	API    APIConfig    `mapstructure:"api" yaml:"api"`
	Intake IntakeConfig `mapstructure:"intake" yaml:"intake"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// KindsConfig optionally overrides the built-in entity-kind catalog.
type KindsConfig struct {
	// Path points at a kinds.toml file. Empty uses the compiled-in
	// catalog.
	Path string `mapstructure:"path" yaml:"path"`
}

// RemoteConfig describes the upstream clinic API.
type RemoteConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Token   string `mapstructure:"token" yaml:"token"`

	// MinServerVersion rejects older backends at startup. Empty skips
	// the handshake.
	MinServerVersion string `mapstructure:"min_server_version" yaml:"min_server_version"`

	PageSize int           `mapstructure:"page_size" yaml:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SyncConfig tunes the background sync passes.
type SyncConfig struct {
	// Interval between periodic passes.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// WriteDebounce is how long the daemon waits after a local write
	// before triggering an extra pass, batching bursts.
	WriteDebounce time.Duration `mapstructure:"write_debounce" yaml:"write_debounce"`

	// MaxPullPages caps pages pulled per kind per pass.
	MaxPullPages int `mapstructure:"max_pull_pages" yaml:"max_pull_pages"`

	// MaxLanes bounds concurrent per-entity drain lanes.
	MaxLanes int `mapstructure:"max_lanes" yaml:"max_lanes"`
}

// APIConfig configures the localhost HTTP API.
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// IntakeConfig configures the document spool watcher.
type IntakeConfig struct {
	// SpoolDir is watched for dropped files. Empty disables intake.
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`
}

// LogConfig configures the daemon's rotating log file.
type LogConfig struct {
	// File receives daemon logs in addition to stderr. Empty keeps
	// logs on stderr only.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// DefaultDir returns the per-user data directory, ~/.xear.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xear"
	}
	return filepath.Join(home, ".xear")
}

// Default returns the fully resolved built-in configuration.
func Default() *Config {
	c := &Config{
		DataDir: DefaultDir(),
		Remote: RemoteConfig{
			BaseURL:  "http://127.0.0.1:8080",
			PageSize: 100,
			Timeout:  15 * time.Second,
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			WriteDebounce: 3 * time.Second,
			MaxPullPages:  50,
			MaxLanes:      4,
		},
		API: APIConfig{Addr: "127.0.0.1:9180"},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
	c.resolvePaths()
	return c
}

// Load reads configuration from path, the environment and defaults.
// An empty path searches DataDir for config.yaml and tolerates its
// absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteTemplate writes the default configuration as YAML to path for
// hand editing. Refuses to overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(templateDoc(Default()))
	if err != nil {
		return fmt.Errorf("failed to render config template: %w", err)
	}
	header := "# x-ear engine configuration. Environment variables with the\n" +
		"# XEAR_ prefix override any value here, e.g. XEAR_REMOTE_BASE_URL.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.PageSize < 1 || c.Remote.PageSize > 1000 {
		return fmt.Errorf("remote.page_size must be between 1 and 1000, got %d", c.Remote.PageSize)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval)
	}
	if c.Sync.WriteDebounce < 0 {
		return fmt.Errorf("sync.write_debounce cannot be negative")
	}
	if c.Sync.MaxPullPages < 1 {
		return fmt.Errorf("sync.max_pull_pages must be at least 1")
	}
	if c.Sync.MaxLanes < 1 {
		return fmt.Errorf("sync.max_lanes must be at least 1")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	return nil
}

// resolvePaths fills empty path fields relative to DataDir. Log.File
// stays empty when unset; intake defaults to <data_dir>/spool.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDir()
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "xear.db")
	}
	if c.Intake.SpoolDir == "" {
		c.Intake.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("store.path", "")
	v.SetDefault("kinds.path", "")
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.min_server_version", "")
	v.SetDefault("remote.page_size", d.Remote.PageSize)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.write_debounce", d.Sync.WriteDebounce)
	v.SetDefault("sync.max_pull_pages", d.Sync.MaxPullPages)
	v.SetDefault("sync.max_lanes", d.Sync.MaxLanes)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("intake.spool_dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// templateDoc mirrors Config with durations rendered as strings so the
// generated YAML reads "5m" instead of nanosecond integers.
func templateDoc(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"data_dir": c.DataDir,
		"store":    map[string]interface{}{"path": c.Store.Path},
		"kinds":    map[string]interface{}{"path": c.Kinds.Path},
		"remote": map[string]interface{}{
			"base_url":           c.Remote.BaseURL,
			"token":              c.Remote.Token,
			"min_server_version": c.Remote.MinServerVersion,
			"page_size":          c.Remote.PageSize,
			"timeout":            c.Remote.Timeout.String(),
		},
		"sync": map[string]interface{}{
			"interval":       c.Sync.Interval.String(),
			"write_debounce": c.Sync.WriteDebounce.String(),
			"max_pull_pages": c.Sync.MaxPullPages,
			"max_lanes":      c.Sync.MaxLanes,
		},
		"api":    map[string]interface{}{"addr": c.API.Addr},
		"intake": map[string]interface{}{"spool_dir": c.Intake.SpoolDir},
		"log": map[string]interface{}{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}
