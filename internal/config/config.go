// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokenbroker.
//
// go-tokenbroker is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TOKENBROKER_SERVER_PORT.
const EnvPrefix = "TOKENBROKER"

// Config is the complete broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Consent   ConsentConfig   `yaml:"consent" mapstructure:"consent"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	PKCS11    PKCS11Config    `yaml:"pkcs11" mapstructure:"pkcs11"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`
}

// ServerConfig controls the HTTP listener. There is deliberately no write
// timeout: consent-gated requests wait as long as the user takes.
type ServerConfig struct {
	Host              string        `yaml:"host" mapstructure:"host"`
	Port              int           `yaml:"port" mapstructure:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ConsentConfig controls the consent listener. It is separate from the
// server listener, bound to loopback, and only answers clients presenting
// the bearer token the broker writes to TokenPath on startup.
type ConsentConfig struct {
	Host      string `yaml:"host" mapstructure:"host"`
	Port      int    `yaml:"port" mapstructure:"port"`
	TokenFile string `yaml:"token_file" mapstructure:"token_file"`
}

// Addr returns host:port.
func (c ConsentConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// TokenPath returns TokenFile, or consent.token in the user's
// configuration directory.
func (c ConsentConfig) TokenPath() string {
	if c.TokenFile != "" {
		return c.TokenFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tokenbroker", "consent.token")
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PKCS11Config selects the token library. An empty Library uses the
// platform default.
type PKCS11Config struct {
	Library string `yaml:"library" mapstructure:"library"`
}

// AuthConfig configures the counter-signature check on signing requests.
type AuthConfig struct {
	TrustedKeyFile string        `yaml:"trusted_key_file" mapstructure:"trusted_key_file"`
	MaxSkew        time.Duration `yaml:"max_skew" mapstructure:"max_skew"`
}

// AuditConfig selects the journal backend: "memory" or "sqlite".
type AuditConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	Path     string `yaml:"path" mapstructure:"path"`
	Capacity int    `yaml:"capacity" mapstructure:"capacity"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// CORSConfig lists the web origins allowed to call the inbound API. "*"
// allows any origin. Empty sends no CORS headers, so browsers only reach
// the broker from same-origin pages.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8811,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Consent: ConsentConfig{Host: "127.0.0.1", Port: 8812},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Auth:    AuthConfig{MaxSkew: 300 * time.Second},
		Audit:   AuditConfig{Backend: "memory", Capacity: 1024},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 120,
			Burst:          20,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// setDefaults registers every key with viper so that environment overrides
// apply even to keys the file does not mention.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("consent.host", d.Consent.Host)
	v.SetDefault("consent.port", d.Consent.Port)
	v.SetDefault("consent.token_file", d.Consent.TokenFile)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("pkcs11.library", d.PKCS11.Library)
	v.SetDefault("auth.trusted_key_file", d.Auth.TrustedKeyFile)
	v.SetDefault("auth.max_skew", d.Auth.MaxSkew)
	v.SetDefault("audit.backend", d.Audit.Backend)
	v.SetDefault("audit.path", d.Audit.Path)
	v.SetDefault("audit.capacity", d.Audit.Capacity)
	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.requests_per_min", d.RateLimit.RequestsPerMin)
	v.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Load reads the YAML file at path, if any, applies TOKENBROKER_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No origins by default; bound so the environment can still add some.
	_ = v.BindEnv("cors.allowed_origins")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if !isLoopback(c.Consent.Host) {
		return fmt.Errorf("consent host must be a loopback address, got %q", c.Consent.Host)
	}
	if c.Consent.Port < 1 || c.Consent.Port > 65535 {
		return fmt.Errorf("invalid consent port: %d", c.Consent.Port)
	}
	if c.Consent.Port == c.Server.Port {
		return fmt.Errorf("consent port must differ from the server port %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Auth.MaxSkew <= 0 {
		return fmt.Errorf("auth max_skew must be positive, got %s", c.Auth.MaxSkew)
	}

	switch c.Audit.Backend {
	case "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			return errors.New("audit path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid audit backend: %q (must be memory or sqlite)", c.Audit.Backend)
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin <= 0 {
		return errors.New("ratelimit requests_per_min must be positive when enabled")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %q", c.Metrics.Path)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WriteYAML writes cfg to path. An existing file is only replaced when
// overwrite is set.
func WriteYAML(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
