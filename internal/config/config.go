// Package config provides configuration management for the keywheel proxy.
// It handles loading and parsing the YAML configuration file, the
// OPENAI_KEYS environment fallback, and the legacy JSON key file, and
// provides structured access to server, rotation, probing, logging, and
// metrics settings.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rotation strategy names accepted in the configuration file.
const (
	StrategyRoundRobin   = "round_robin"
	StrategyLeastLatency = "least_latency"

	// Accepted for compatibility with older deployments; behaves as
	// round_robin (the historical weighted mode never weighted anything).
	strategyHealthWeightedAlias = "round_robin_health_weighted"
)

// defaultUpstreamBaseURL is applied to entries sourced from OPENAI_KEYS.
const defaultUpstreamBaseURL = "https://api.openai.com"

// legacyConfigFile is the pre-YAML key file searched next to the config path.
const legacyConfigFile = "config.json"

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Server holds the inbound listener settings.
	Server ServerConfig `yaml:"server" json:"server"`

	// APIKeys is a list of keys for authenticating clients to this proxy
	// server. When empty, the proxy accepts unauthenticated callers.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Keys is the ordered list of upstream credential entries. Order is
	// significant: it seeds the rotation order and breaks latency ties.
	Keys []UpstreamKey `yaml:"keys" json:"keys"`

	// Rotation configures entry selection and same-entry retry behavior.
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Probe configures the periodic upstream latency measurement.
	Probe ProbeConfig `yaml:"probe" json:"probe"`

	// Logging configures log level and optional rolling file output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configures the Prometheus exposition listener.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// ProxyURL is the URL of an optional proxy server to use for outbound
	// requests (http, https, or socks5). Empty means direct.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
}

// ServerConfig holds the inbound HTTP listener settings.
type ServerConfig struct {
	// Bind is the listen address for the proxy, e.g. "0.0.0.0:8080".
	Bind string `yaml:"bind" json:"bind"`

	// RequestTimeoutSeconds bounds how long an outbound attempt may take to
	// produce response headers. Streaming bodies are not bounded by this.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// ConnectTimeoutMillis bounds the outbound TCP dial.
	ConnectTimeoutMillis int `yaml:"connect-timeout-ms" json:"connect-timeout-ms"`

	// ShutdownTimeoutSeconds is the graceful drain budget on SIGINT/SIGTERM.
	ShutdownTimeoutSeconds int `yaml:"shutdown-timeout-seconds" json:"shutdown-timeout-seconds"`

	// MaxBodyBytes caps the inbound request body; larger bodies get 413.
	MaxBodyBytes int64 `yaml:"max-body-bytes" json:"max-body-bytes"`
}

// UpstreamKey is one upstream credential entry.
type UpstreamKey struct {
	// Secret is the bearer token presented to the upstream. Never logged
	// in full.
	Secret string `yaml:"secret" json:"secret"`

	// BaseURL is the upstream origin the inbound path is appended to.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// Models lists the model names this entry serves. The literal value
	// "others" makes the entry a fallback for any model not claimed
	// exactly by another entry.
	Models []string `yaml:"models" json:"models"`
}

// RotationConfig configures entry selection and same-entry retries.
type RotationConfig struct {
	// Strategy selects how eligible entries are ranked: "round_robin"
	// (default) or "least_latency".
	Strategy string `yaml:"strategy" json:"strategy"`

	// RequestRetry is the number of extra same-entry attempts on transient
	// upstream failures before the entry is given up on. 0 disables
	// same-entry retries; failover to the next entry still applies.
	RequestRetry int `yaml:"request-retry" json:"request-retry"`

	// RetryInitialBackoffMillis is the first same-entry retry delay; it
	// doubles per attempt.
	RetryInitialBackoffMillis int `yaml:"retry-initial-backoff-ms" json:"retry-initial-backoff-ms"`

	// RetryMaxBackoffMillis caps the same-entry retry delay.
	RetryMaxBackoffMillis int `yaml:"retry-max-backoff-ms" json:"retry-max-backoff-ms"`
}

// ProbeConfig configures the periodic latency probe.
type ProbeConfig struct {
	// IntervalSeconds is the time between probe rounds. <= 0 disables
	// probing entirely.
	IntervalSeconds int `yaml:"interval-seconds" json:"interval-seconds"`

	// TimeoutSeconds bounds each individual HEAD probe.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the logrus level name ("debug", "info", "warn", "error").
	Level string `yaml:"level" json:"level"`

	// File enables size-rotated file output when non-empty. Stdout output
	// is always on.
	File string `yaml:"file" json:"file"`
}

// MetricsConfig configures the Prometheus exposition listener.
type MetricsConfig struct {
	// Enabled starts the metrics listener when true.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Bind is the metrics listen address, e.g. "0.0.0.0:9090".
	Bind string `yaml:"bind" json:"bind"`
}

// Default returns a Config populated with the operational defaults.
// Loading unmarshals the file over this value, so absent fields keep
// their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:                   "0.0.0.0:8080",
			RequestTimeoutSeconds:  60,
			ConnectTimeoutMillis:   800,
			ShutdownTimeoutSeconds: 10,
			MaxBodyBytes:           262144,
		},
		Rotation: RotationConfig{
			Strategy:                  StrategyRoundRobin,
			RequestRetry:              0,
			RetryInitialBackoffMillis: 50,
			RetryMaxBackoffMillis:     2000,
		},
		Probe: ProbeConfig{
			IntervalSeconds: 60,
			TimeoutSeconds:  5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Bind:    "0.0.0.0:9090",
		},
	}
}

// Load reads the YAML configuration at path, falling back to the
// OPENAI_KEYS environment variable and then a legacy config.json next to
// the path when the file defines no upstream keys. A missing YAML file is
// not an error; the defaults plus fallbacks apply. The returned Config is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case os.IsNotExist(err):
		// Fall through to env/legacy sources.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if len(cfg.Keys) == 0 {
		cfg.Keys = keysFromEnv(os.Getenv("OPENAI_KEYS"))
	}
	if len(cfg.Keys) == 0 {
		legacy, errLegacy := keysFromLegacyJSON(filepath.Join(filepath.Dir(path), legacyConfigFile))
		if errLegacy != nil {
			return nil, errLegacy
		}
		cfg.Keys = legacy
	}

	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// keysFromEnv parses the OPENAI_KEYS variable: comma-separated secrets,
// each becoming a wildcard entry against the default upstream.
func keysFromEnv(raw string) []UpstreamKey {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]UpstreamKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		keys = append(keys, UpstreamKey{
			Secret:  p,
			BaseURL: defaultUpstreamBaseURL,
			Models:  []string{"others"},
		})
	}
	return keys
}

// keysFromLegacyJSON reads the pre-YAML {"apiKeys": [...]} file. A missing
// file yields no keys and no error.
func keysFromLegacyJSON(path string) ([]UpstreamKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var legacy struct {
		APIKeys []struct {
			Key    string   `json:"key"`
			URL    string   `json:"url"`
			Models []string `json:"models"`
		} `json:"apiKeys"`
	}
	if errUnmarshal := json.Unmarshal(data, &legacy); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	keys := make([]UpstreamKey, 0, len(legacy.APIKeys))
	for _, k := range legacy.APIKeys {
		entry := UpstreamKey{Secret: k.Key, BaseURL: k.URL, Models: k.Models}
		if entry.BaseURL == "" {
			entry.BaseURL = defaultUpstreamBaseURL
		}
		keys = append(keys, entry)
	}
	return keys, nil
}

// Validate checks that the configuration can serve traffic: at least one
// upstream entry, secrets present, and base URLs parseable http(s)
// origins.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if len(c.Keys) == 0 {
		return fmt.Errorf("config: no upstream keys configured (set keys in the config file or OPENAI_KEYS)")
	}
	for i, k := range c.Keys {
		if strings.TrimSpace(k.Secret) == "" {
			return fmt.Errorf("config: keys[%d]: empty secret", i)
		}
		u, err := url.Parse(strings.TrimSpace(k.BaseURL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: keys[%d]: invalid base-url %q", i, k.BaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: keys[%d]: unsupported base-url scheme %q", i, u.Scheme)
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: server.max-body-bytes must be positive")
	}
	return nil
}

// RotationStrategy returns the normalized strategy name. Unknown values
// and the historical health-weighted alias fall back to round_robin.
func (c *Config) RotationStrategy() string {
	if c == nil {
		return StrategyRoundRobin
	}
	switch strings.ToLower(strings.TrimSpace(c.Rotation.Strategy)) {
	case StrategyLeastLatency:
		return StrategyLeastLatency
	case StrategyRoundRobin, strategyHealthWeightedAlias, "":
		return StrategyRoundRobin
	default:
		return StrategyRoundRobin
	}
}

// RequestTimeout returns the outbound response-header timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c == nil || c.Server.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the outbound dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	if c == nil || c.Server.ConnectTimeoutMillis <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(c.Server.ConnectTimeoutMillis) * time.Millisecond
}

// ShutdownTimeout returns the graceful drain budget.
func (c *Config) ShutdownTimeout() time.Duration {
	if c == nil || c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ProbeInterval returns the time between latency probe rounds, or 0 when
// probing is disabled.
func (c *Config) ProbeInterval() time.Duration {
	if c == nil || c.Probe.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Probe.IntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-probe HEAD timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if c == nil || c.Probe.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// RetryInitialBackoff returns the first same-entry retry delay.
func (c *Config) RetryInitialBackoff() time.Duration {
	if c == nil || c.Rotation.RetryInitialBackoffMillis <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.Rotation.RetryInitialBackoffMillis) * time.Millisecond
}

// RetryMaxBackoff returns the same-entry retry delay cap.
func (c *Config) RetryMaxBackoff() time.Duration {
	if c == nil || c.Rotation.RetryMaxBackoffMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Rotation.RetryMaxBackoffMillis) * time.Millisecond
}
