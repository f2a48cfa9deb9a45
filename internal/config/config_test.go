package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deckforge.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/deckforge.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	// Point HOME somewhere empty so a developer's own config is not found.
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "" && !strings.HasPrefix(got, "/etc/") {
		t.Errorf("FindConfig(\"\") = %q, want no match", got)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "deckforge.yaml"), []byte("log_level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "deckforge.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "deckforge.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("DECKFORGE_TEST_REDIS_PASSWORD", "secret123")
	path := writeConfig(t, "cache:\n  backend: redis\n  redis:\n    addr: localhost:6379\n    password: ${DECKFORGE_TEST_REDIS_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Cache.Redis.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Cache.Redis.Password, "secret123")
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("backend = %q, want redis", cfg.Cache.Backend)
	}
}

func TestLoad_KeepsDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/deckforge\ntimeouts:\n  methods:\n    summarize: 45s\npipeline:\n  max_sections: 8\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Pipeline.MaxSections != 8 {
		t.Errorf("max_sections = %d, want 8", cfg.Pipeline.MaxSections)
	}
	if cfg.Pipeline.ImageSize != 256 {
		t.Errorf("image_size = %d, want default 256", cfg.Pipeline.ImageSize)
	}
	if got := cfg.Timeouts.Methods["summarize"]; got != 45*time.Second {
		t.Errorf("summarize timeout = %v, want 45s", got)
	}
	if got := cfg.Timeouts.Methods["create_slide"]; got != 300*time.Second {
		t.Errorf("create_slide timeout = %v, want default 300s", got)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("retry.max_attempts = %d, want 4", cfg.Retry.MaxAttempts)
	}

	// Derived paths follow the configured data_dir.
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"deck_dir", cfg.Toolhost.DeckDir, "/srv/deckforge/decks"},
		{"cache.dir", cfg.Cache.Dir, "/srv/deckforge/cache"},
		{"ledger.dir", cfg.Ledger.Dir, "/srv/deckforge/ledger"},
		{"journal.path", cfg.Journal.Path, "/srv/deckforge/journal.db"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "data_dir: ~/deckforge\njournal:\n  path: ~/j.db\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, "deckforge"); cfg.DataDir != want {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, want)
	}
	if want := filepath.Join(home, "deckforge", "decks"); cfg.Toolhost.DeckDir != want {
		t.Errorf("deck_dir = %q, want %q", cfg.Toolhost.DeckDir, want)
	}
	if want := filepath.Join(home, "j.db"); cfg.Journal.Path != want {
		t.Errorf("journal.path = %q, want %q", cfg.Journal.Path, want)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "pipeline: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with invalid YAML should error")
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"zero default timeout", func(c *Config) { c.Timeouts.Default = 0 }, "timeouts.default"},
		{"negative method timeout", func(c *Config) { c.Timeouts.Methods["summarize"] = -time.Second }, "timeouts.methods.summarize"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"max below initial", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "max_backoff"},
		{"shrinking multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, "jitter"},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "s3" }, "cache.backend"},
		{"redis without addr", func(c *Config) { c.Ledger.Backend = "redis" }, "ledger.redis.addr"},
		{"unknown sqlite driver", func(c *Config) { c.Cache.SQLiteDriver = "pgx" }, "cache.sqlite_driver"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Hour }, "cache.ttl"},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"mqtt wildcard prefix", func(c *Config) { c.MQTT.TopicPrefix = "deck/#" }, "wildcards"},
		{"zero sections", func(c *Config) { c.Pipeline.MaxSections = 0 }, "max_sections"},
		{"tiny image", func(c *Config) { c.Pipeline.ImageSize = 16 }, "image_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMQTTConfigured(t *testing.T) {
	c := MQTTConfig{Broker: "mqtt://localhost:1883"}
	if c.Configured() {
		t.Error("disabled config reported as configured")
	}
	c.Enabled = true
	if !c.Configured() {
		t.Error("enabled config with broker not configured")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseLogLevel(%q) error = %v, want error %v", tt.in, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any() != slog.LevelInfo {
		t.Errorf("info level rewritten to %v", a.Value.Any())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelTrace, "json").Log(t.Context(), LevelTrace, "envelope", "id", "r1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json logger wrote %q: %v", buf.String(), err)
	}
	if rec["level"] != "TRACE" || rec["id"] != "r1" {
		t.Errorf("record = %v, want TRACE with id r1", rec)
	}

	buf.Reset()
	logger := NewLogger(&buf, slog.LevelInfo, "text")
	logger.Debug("hidden")
	logger.Info("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "level=INFO msg=shown") {
		t.Errorf("text logger wrote %q", out)
	}
}
