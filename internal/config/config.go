// Package config loads routinesync configuration.
//
// A config file is YAML decoded strictly (unknown keys fail) over the
// defaults, then checked against the embedded CUE schema. Values the
// schema cannot express, such as IANA timezone names and duration
// ordering, are checked in Go afterwards.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the full runtime configuration.
type Config struct {
	Database   string           `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Timezone   string           `yaml:"timezone"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Retry      RetryConfig      `yaml:"retry"`
	Cache      CacheConfig      `yaml:"cache"`
	Log        LogConfig        `yaml:"log"`
}

// APIConfig locates the remote authority.
type APIConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// DispatcherConfig tunes background draining.
type DispatcherConfig struct {
	BatchSize    int      `yaml:"batch_size"`
	BackoffBase  Duration `yaml:"backoff_base"`
	BackoffMax   Duration `yaml:"backoff_max"`
	PollInterval Duration `yaml:"poll_interval"`
}

// RetryConfig tunes bounded retries of interactive reads.
type RetryConfig struct {
	Attempts  int      `yaml:"attempts"`
	BaseDelay Duration `yaml:"base_delay"`
}

// CacheConfig tunes the routine cache.
type CacheConfig struct {
	PruneOnRefresh  bool     `yaml:"prune_on_refresh"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "routinesync.db",
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(15 * time.Second),
		},
		Timezone: "Local",
		Dispatcher: DispatcherConfig{
			BatchSize:    50,
			BackoffBase:  Duration(time.Second),
			BackoffMax:   Duration(5 * time.Minute),
			PollInterval: Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: Duration(350 * time.Millisecond),
		},
		Cache: CacheConfig{
			RefreshInterval: Duration(5 * time.Minute),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err = Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result.
func Decode(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the CUE schema and the rules CUE cannot
// express.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	if c.Dispatcher.BackoffMax < c.Dispatcher.BackoffBase {
		return fmt.Errorf("invalid config: dispatcher.backoff_max must not be below backoff_base")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("invalid config: api.timeout must be positive")
	}
	return nil
}

// document renders c with the YAML key names for schema validation.
func (c Config) document() map[string]any {
	return map[string]any{
		"database": c.Database,
		"api": map[string]any{
			"base_url": c.API.BaseURL,
			"timeout":  c.API.Timeout.String(),
		},
		"timezone": c.Timezone,
		"dispatcher": map[string]any{
			"batch_size":    c.Dispatcher.BatchSize,
			"backoff_base":  c.Dispatcher.BackoffBase.String(),
			"backoff_max":   c.Dispatcher.BackoffMax.String(),
			"poll_interval": c.Dispatcher.PollInterval.String(),
		},
		"retry": map[string]any{
			"attempts":   c.Retry.Attempts,
			"base_delay": c.Retry.BaseDelay.String(),
		},
		"cache": map[string]any{
			"prune_on_refresh": c.Cache.PruneOnRefresh,
			"refresh_interval": c.Cache.RefreshInterval.String(),
		},
		"log": map[string]any{
			"level": c.Log.Level,
		},
	}
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// SlogLevel maps Log.Level to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// D returns the time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
