// Package config loads and validates the application configuration from a
// YAML file, environment variables (FBSEL_ prefix) and CLI flag bindings,
// in that order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Selection SelectionConfig `mapstructure:"selection" yaml:"selection"`
	Overlay   OverlayConfig   `mapstructure:"overlay" yaml:"overlay"`
	Intercept InterceptConfig `mapstructure:"intercept" yaml:"intercept"`
}

// LoggerConfig controls log output, format and file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string `mapstructure:"addr" yaml:"addr"`
	// HostOrigin is the origin of the embedding application. Frame
	// messages from any other origin are rejected.
	HostOrigin string `mapstructure:"host_origin" yaml:"host_origin"`
	// ExtraOrigins are additional origins trusted for frame messages.
	ExtraOrigins []string `mapstructure:"extra_origins" yaml:"extra_origins"`
	// UserAgent is sent on outbound page fetches.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// RelayEndpoint describes one proxy relay in the rotation set.
type RelayEndpoint struct {
	Name string `mapstructure:"name" yaml:"name"`
	// Template is the relay URL pattern; %s is replaced with the target.
	Template string `mapstructure:"template" yaml:"template"`
	// EscapeTarget query-escapes the target before substitution.
	EscapeTarget bool `mapstructure:"escape_target" yaml:"escape_target"`
}

// RelayConfig controls the relay rotation pool.
type RelayConfig struct {
	// Endpoints overrides the built-in relay set when non-empty.
	Endpoints []RelayEndpoint `mapstructure:"endpoints" yaml:"endpoints"`
	// Denylist overrides the built-in frame-busting host list.
	Denylist []string `mapstructure:"denylist" yaml:"denylist"`
	// RequestsPerSecond rate-limits fetches per relay. Zero disables.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
	// ProbeTarget is fetched through each relay by health probes.
	ProbeTarget  string        `mapstructure:"probe_target" yaml:"probe_target"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// NetworkConfig holds upstream HTTP client settings.
type NetworkConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	FollowRedirects bool          `mapstructure:"follow_redirects" yaml:"follow_redirects"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
}

// SelectionConfig tunes the element selection pipeline.
type SelectionConfig struct {
	// DebounceInterval coalesces mutation notifications before a held
	// selection is re-verified.
	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
	// MaxAncestors bounds the ancestor climb during selector synthesis.
	MaxAncestors int `mapstructure:"max_ancestors" yaml:"max_ancestors"`
	// MaxClasses bounds the class names used per selector segment.
	MaxClasses int `mapstructure:"max_classes" yaml:"max_classes"`
}

// OverlayConfig tunes the visual region-selection overlay.
type OverlayConfig struct {
	// PointThreshold is the drag size in pixels below which a gesture
	// counts as a point click.
	PointThreshold float64 `mapstructure:"point_threshold" yaml:"point_threshold"`
}

// InterceptConfig controls the optional MITM instrumentation proxy.
type InterceptConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	// CACertFile and CAKeyFile enable HTTPS interception. Without them
	// only plain HTTP is instrumented.
	CACertFile string `mapstructure:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile  string `mapstructure:"ca_key_file" yaml:"ca_key_file"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration sections.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "feedbacksel")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.host_origin", "http://localhost:5173")
	v.SetDefault("server.user_agent", "")

	// -- Relay --
	v.SetDefault("relay.requests_per_second", 0.0)
	v.SetDefault("relay.burst", 4)
	v.SetDefault("relay.probe_target", "https://example.com/")
	v.SetDefault("relay.probe_timeout", "10s")

	// -- Network --
	v.SetDefault("network.request_timeout", "30s")
	v.SetDefault("network.fetch_timeout", "20s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.follow_redirects", true)
	v.SetDefault("network.force_http2", true)

	// -- Selection --
	v.SetDefault("selection.debounce_interval", "200ms")
	v.SetDefault("selection.max_ancestors", 2)
	v.SetDefault("selection.max_classes", 2)

	// -- Overlay --
	v.SetDefault("overlay.point_threshold", 5.0)

	// -- Intercept --
	v.SetDefault("intercept.enabled", false)
	v.SetDefault("intercept.addr", ":8888")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is a required configuration field")
	}
	if c.Server.HostOrigin == "" {
		return fmt.Errorf("server.host_origin is a required configuration field")
	}
	if !strings.HasPrefix(c.Server.HostOrigin, "http://") && !strings.HasPrefix(c.Server.HostOrigin, "https://") {
		return fmt.Errorf("server.host_origin must be an http or https origin, got %q", c.Server.HostOrigin)
	}
	if c.Selection.DebounceInterval < 0 {
		return fmt.Errorf("selection.debounce_interval must not be negative")
	}
	if c.Selection.MaxAncestors < 0 || c.Selection.MaxClasses < 0 {
		return fmt.Errorf("selection.max_ancestors and selection.max_classes must not be negative")
	}
	if c.Overlay.PointThreshold < 0 {
		return fmt.Errorf("overlay.point_threshold must not be negative")
	}
	if c.Relay.RequestsPerSecond < 0 {
		return fmt.Errorf("relay.requests_per_second must not be negative")
	}
	for i, ep := range c.Relay.Endpoints {
		if ep.Name == "" || ep.Template == "" {
			return fmt.Errorf("relay.endpoints[%d] requires both name and template", i)
		}
		if !strings.Contains(ep.Template, "%s") {
			return fmt.Errorf("relay.endpoints[%d].template must contain a %%s target placeholder", i)
		}
	}
	if c.Intercept.Enabled {
		if c.Intercept.Addr == "" {
			return fmt.Errorf("intercept.addr is required when intercept.enabled is true")
		}
		if (c.Intercept.CACertFile == "") != (c.Intercept.CAKeyFile == "") {
			return fmt.Errorf("intercept.ca_cert_file and intercept.ca_key_file must be set together")
		}
	}
	return nil
}
