// Package config handles deckforge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/deckforge/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./deckforge.yaml, ~/.config/deckforge/config.yaml, /etc/deckforge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"deckforge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deckforge", "config.yaml"))
	}

	paths = append(paths, "/etc/deckforge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty path with a nil error means no file was found and the caller
// should fall back to [Default].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all deckforge configuration.
type Config struct {
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
	Toolhost  ToolhostConfig `yaml:"toolhost"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Retry     RetryConfig    `yaml:"retry"`
	Cache     CacheConfig    `yaml:"cache"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Journal   JournalConfig  `yaml:"journal"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
}

// ToolhostConfig describes the tool host child process.
type ToolhostConfig struct {
	// Command is the executable to spawn. Empty means this binary,
	// re-executed with the "toolhost" subcommand.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries (KEY=VALUE) are appended to the inherited environment.
	Env []string `yaml:"env"`
	// DeckDir is where the built-in slide tools write decks. Defaults
	// to <data_dir>/decks.
	DeckDir       string        `yaml:"deck_dir"`
	QueueSize     int           `yaml:"queue_size"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// TimeoutsConfig holds per-method call deadlines.
type TimeoutsConfig struct {
	Default time.Duration            `yaml:"default"`
	Methods map[string]time.Duration `yaml:"methods"`
}

// RetryConfig configures backoff for transient tool errors.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
}

// StoreConfig selects a key-value backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // file (default), sqlite, redis
	Dir     string `yaml:"dir"`
	// Path is the SQLite database file. Defaults to <dir>/store.db.
	Path         string      `yaml:"path"`
	SQLiteDriver string      `yaml:"sqlite_driver"` // sqlite3 (default) or sqlite
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// TTL bounds the age of a usable entry. Zero means entries never
	// expire.
	TTL         time.Duration `yaml:"ttl"`
	StoreConfig `yaml:",inline"`
}

// LedgerConfig configures the idempotency ledger store.
type LedgerConfig struct {
	StoreConfig `yaml:",inline"`
}

// JournalConfig configures the call journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig configures event forwarding to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Broker != ""
}

// PipelineConfig holds orchestrator defaults.
type PipelineConfig struct {
	MaxSections int    `yaml:"max_sections"`
	ImageSize   int    `yaml:"image_size"`
	Model       string `yaml:"model"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base returns the defaults that do not depend on other fields.
func base() *Config {
	dataDir := "./data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "deckforge")
	}

	return &Config{
		DataDir:   dataDir,
		LogLevel:  "info",
		LogFormat: "text",
		Toolhost: ToolhostConfig{
			QueueSize:     64,
			ShutdownGrace: 2 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Default: 180 * time.Second,
			Methods: map[string]time.Duration{
				"ping":          10 * time.Second,
				"summarize":     120 * time.Second,
				"enrich_image":  180 * time.Second,
				"create_slide":  300 * time.Second,
				"append_slide":  300 * time.Second,
				"query_dataset": 180 * time.Second,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.1,
		},
		Cache: CacheConfig{
			Enabled:     true,
			TTL:         7 * 24 * time.Hour,
			StoreConfig: StoreConfig{Backend: "file"},
		},
		Ledger: LedgerConfig{
			StoreConfig: StoreConfig{Backend: "file"},
		},
		Journal: JournalConfig{Enabled: true},
		MQTT: MQTTConfig{
			TopicPrefix: "deckforge",
		},
		Pipeline: PipelineConfig{
			MaxSections: 5,
			ImageSize:   256,
			Model:       "local",
		},
	}
}

// applyDefaults expands ~ in configured paths and fills the ones
// derived from DataDir.
func (c *Config) applyDefaults() {
	paths.ExpandAll(&c.DataDir, &c.Toolhost.DeckDir, &c.Cache.Dir, &c.Cache.Path,
		&c.Ledger.Dir, &c.Ledger.Path, &c.Journal.Path)
	if c.Toolhost.DeckDir == "" {
		c.Toolhost.DeckDir = filepath.Join(c.DataDir, "decks")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	if c.Ledger.Dir == "" {
		c.Ledger.Dir = filepath.Join(c.DataDir, "ledger")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "deckforge"
		if host, err := os.Hostname(); err == nil {
			c.MQTT.ClientID = "deckforge-" + host
		}
	}
}

// Validate checks the configuration for values that would fail at
// runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q: must be text or json", c.LogFormat)
	}

	if c.Timeouts.Default <= 0 {
		return fmt.Errorf("timeouts.default must be positive, got %s", c.Timeouts.Default)
	}
	for method, d := range c.Timeouts.Methods {
		if d <= 0 {
			return fmt.Errorf("timeouts.methods.%s must be positive, got %s", method, d)
		}
	}

	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate("cache"); err != nil {
		return err
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	if err := c.Ledger.validate("ledger"); err != nil {
		return err
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix %q must not contain wildcards", c.MQTT.TopicPrefix)
	}

	if c.Pipeline.MaxSections < 1 {
		return fmt.Errorf("pipeline.max_sections must be at least 1, got %d", c.Pipeline.MaxSections)
	}
	if c.Pipeline.ImageSize < 64 || c.Pipeline.ImageSize > 2048 {
		return fmt.Errorf("pipeline.image_size must be between 64 and 2048, got %d", c.Pipeline.ImageSize)
	}
	return nil
}

func (r RetryConfig) validate() error {
	switch {
	case r.MaxAttempts < 1:
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", r.MaxAttempts)
	case r.InitialBackoff < 0:
		return fmt.Errorf("retry.initial_backoff must not be negative")
	case r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff:
		return fmt.Errorf("retry.max_backoff (%s) is below initial_backoff (%s)", r.MaxBackoff, r.InitialBackoff)
	case r.Multiplier < 1:
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", r.Multiplier)
	case r.Jitter < 0 || r.Jitter > 1:
		return fmt.Errorf("retry.jitter must be between 0 and 1, got %g", r.Jitter)
	}
	return nil
}

func (s StoreConfig) validate(section string) error {
	switch s.Backend {
	case "", "file", "sqlite":
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("%s.redis.addr is required for the redis backend", section)
		}
	default:
		return fmt.Errorf("%s.backend %q: must be file, sqlite or redis", section, s.Backend)
	}
	switch s.SQLiteDriver {
	case "", "sqlite3", "sqlite":
	default:
		return fmt.Errorf("%s.sqlite_driver %q: must be sqlite3 or sqlite", section, s.SQLiteDriver)
	}
	return nil
}
