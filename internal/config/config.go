// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers []ProviderEntry `yaml:"providers"`
	Models    []ModelEntry    `yaml:"models"`
	Router    RouterConfig    `yaml:"router"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	APIKey           string `yaml:"api_key"` // empty = no inbound key check
	APITimeoutMs     int    `yaml:"api_timeout_ms"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// APITimeout returns the end-to-end request timeout.
func (s ServerConfig) APITimeout() time.Duration {
	return time.Duration(s.APITimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the upstream connect timeout.
func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Enabled       *bool             `yaml:"enabled"`
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	AuthType      string            `yaml:"auth_type"` // "api_key" (default) or "oauth"
	OAuthProvider string            `yaml:"oauth_provider"`
	Models        []string          `yaml:"models"`
	Priority      int               `yaml:"priority"`
	Location      string            `yaml:"location"` // GCP region for Vertex AI
	Project       string            `yaml:"project"`  // GCP project ID for Vertex AI
	Headers       map[string]string `yaml:"headers"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// IsOAuth reports whether the provider authenticates via a stored OAuth token.
func (p ProviderEntry) IsOAuth() bool {
	return p.AuthType == "oauth"
}

// ResolvedOAuthProvider returns the token store key, defaulting to the
// provider name.
func (p ProviderEntry) ResolvedOAuthProvider() string {
	if p.OAuthProvider != "" {
		return p.OAuthProvider
	}
	return p.Name
}

// ModelEntry maps a public model name to provider targets.
type ModelEntry struct {
	Name     string         `yaml:"name"`
	Mappings []MappingEntry `yaml:"mappings"`
}

// MappingEntry is a single model mapping target.
type MappingEntry struct {
	Priority int    `yaml:"priority"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RouterConfig selects routes for request categories. Each route is either
// "provider,model" or a bare model name. Empty regex overrides mean "use the
// built-in default pattern".
type RouterConfig struct {
	Default         string `yaml:"default"`
	Background      string `yaml:"background"`
	Think           string `yaml:"think"`
	WebSearch       string `yaml:"websearch"`
	AutoMapRegex    string `yaml:"auto_map_regex"`
	BackgroundRegex string `yaml:"background_regex"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// StorageConfig holds the usage store settings.
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite file path or ":memory:"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unresolvable patterns are left intact for validation.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// An unresolved ${VAR} on an enabled provider is a load error; disabled
// providers may reference unset variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             3456,
			APITimeoutMs:     600_000,
			ConnectTimeoutMs: 10_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Path: "ccmux.db",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		if v, ok := unresolvedVar(p.APIKey, p.BaseURL, p.Project, p.Location); ok {
			return nil, fmt.Errorf("provider %q: unresolved environment variable %s", p.Name, v)
		}
		for _, hv := range p.Headers {
			if v, ok := unresolvedVar(hv); ok {
				return nil, fmt.Errorf("provider %q: unresolved environment variable %s", p.Name, v)
			}
		}
	}
	return cfg, nil
}

// unresolvedVar returns the first leftover ${VAR} pattern among values.
func unresolvedVar(values ...string) (string, bool) {
	for _, v := range values {
		if m := envPattern.FindString(v); m != "" {
			return m, true
		}
	}
	return "", false
}

// ParseRoute splits a route string "provider,model" into its parts. A bare
// model name returns an empty provider.
func ParseRoute(route string) (provider, model string) {
	if p, m, ok := strings.Cut(route, ","); ok {
		return strings.TrimSpace(p), strings.TrimSpace(m)
	}
	return "", strings.TrimSpace(route)
}
