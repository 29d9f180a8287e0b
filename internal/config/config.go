// Package config loads and watches the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// DefaultBackendBaseURL is the compiled-in fallback used whenever no
// valid backend URL is configured or persisted.
const DefaultBackendBaseURL = "https://api.carbontrail.dev"

// Duration is a yaml-friendly wrapper over time.Duration. Config files
// use Go duration strings ("500ms", "10s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns the wrapped duration, falling back to def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Capture  CaptureConfig  `yaml:"capture"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Host     HostConfig     `yaml:"host"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	// RequestTimeout bounds every collector call.
	RequestTimeout Duration `yaml:"request_timeout"`
	// HealthInterval is the memoization window for reachability probes.
	HealthInterval Duration `yaml:"health_interval"`
	// HealthRecheck is the periodic background re-probe cadence.
	HealthRecheck string `yaml:"health_recheck"` // cron spec or @every form
}

type CaptureConfig struct {
	// Mode (awareness | silent) seeds the coordinator on first run; the
	// persisted mode wins on later starts.
	Mode         string   `yaml:"mode"`
	Platforms    []string `yaml:"platforms"`
	DedupeWindow Duration `yaml:"dedupe_window"`
	// PreviewLimit bounds bodyPreview length in runes.
	PreviewLimit int `yaml:"preview_limit"`
	// AttachmentFallbackBytes is the per-attachment estimate used when no
	// size text is visible.
	AttachmentFallbackBytes int64 `yaml:"attachment_fallback_bytes"`
}

type DispatchConfig struct {
	RetryMax     int      `yaml:"retry_max"`
	RetryBase    Duration `yaml:"retry_base"`
	DedupeWindow Duration `yaml:"dedupe_window"`
}

type HostConfig struct {
	// IdleTeardown is how long the coordinator may sit idle before the
	// host tears it down. The next envelope cold-starts a fresh one.
	IdleTeardown Duration `yaml:"idle_teardown"`
	DrainPause   Duration `yaml:"drain_pause"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, decodes and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		c.Backend.BaseURL = DefaultBackendBaseURL
	}
	if strings.TrimSpace(c.Capture.Mode) == "" {
		c.Capture.Mode = "awareness"
	}
	if len(c.Capture.Platforms) == 0 {
		c.Capture.Platforms = []string{"gmail", "outlook"}
	}
	if c.Capture.PreviewLimit <= 0 {
		c.Capture.PreviewLimit = 200
	}
	if c.Capture.AttachmentFallbackBytes <= 0 {
		c.Capture.AttachmentFallbackBytes = 500 * 1024
	}
	if c.Dispatch.RetryMax <= 0 {
		c.Dispatch.RetryMax = 3
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./carbontrail.db"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Backend.HealthRecheck) == "" {
		c.Backend.HealthRecheck = "@every 5m"
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url: not an absolute URL: %q", c.Backend.BaseURL)
	}
	switch c.Capture.Mode {
	case "awareness", "silent":
	default:
		return fmt.Errorf("capture.mode: must be awareness or silent, got %q", c.Capture.Mode)
	}
	for _, p := range c.Capture.Platforms {
		switch p {
		case "gmail", "outlook":
		default:
			return fmt.Errorf("capture.platforms: unknown platform %q", p)
		}
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return errors.New("metrics.listen required when metrics.enabled")
	}
	return nil
}
