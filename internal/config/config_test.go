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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8811", cfg.Server.Addr())
	assert.Equal(t, 300*time.Second, cfg.Auth.MaxSkew)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Empty(t, cfg.CORS.AllowedOrigins, "no origin is trusted by default")
	assert.Equal(t, "127.0.0.1:8812", cfg.Consent.Addr())
	assert.Equal(t, Default(), cfg)
}

func TestConsentConfig_TokenPath(t *testing.T) {
	c := ConsentConfig{TokenFile: "/run/tokenbroker/consent.token"}
	assert.Equal(t, "/run/tokenbroker/consent.token", c.TokenPath())

	c.TokenFile = ""
	assert.Equal(t, "consent.token", filepath.Base(c.TokenPath()))
	assert.Equal(t, "tokenbroker", filepath.Base(filepath.Dir(c.TokenPath())))
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "localhost"
  port: 9911
logging:
  level: debug
  format: json
pkcs11:
  library: /usr/lib/libeTPkcs11.so
auth:
  trusted_key_file: /etc/tokenbroker/trusted.pem
  max_skew: 2m
audit:
  backend: sqlite
  path: /var/lib/tokenbroker/audit.db
cors:
  allowed_origins:
    - https://sign.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9911", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/usr/lib/libeTPkcs11.so", cfg.PKCS11.Library)
	assert.Equal(t, "/etc/tokenbroker/trusted.pem", cfg.Auth.TrustedKeyFile)
	assert.Equal(t, 2*time.Minute, cfg.Auth.MaxSkew)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	assert.Equal(t, []string{"https://sign.example.com"}, cfg.CORS.AllowedOrigins)

	// Keys absent from the file keep their defaults
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9911\n")
	t.Setenv("TOKENBROKER_SERVER_PORT", "7000")
	t.Setenv("TOKENBROKER_PKCS11_LIBRARY", "/opt/token/lib.so")
	t.Setenv("TOKENBROKER_LOGGING_LEVEL", "warn")
	t.Setenv("TOKENBROKER_CONSENT_PORT", "7001")
	t.Setenv("TOKENBROKER_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 7001, cfg.Consent.Port)
	assert.Equal(t, "/opt/token/lib.so", cfg.PKCS11.Library)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server:\n  port: 70000\n"))
	assert.ErrorContains(t, err, "invalid server port")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"empty host", func(c *Config) { c.Server.Host = "" }, "host is required"},
		{"consent on all interfaces", func(c *Config) { c.Consent.Host = "0.0.0.0" }, "loopback"},
		{"consent on a LAN address", func(c *Config) { c.Consent.Host = "192.168.1.10" }, "loopback"},
		{"consent on localhost", func(c *Config) { c.Consent.Host = "localhost" }, ""},
		{"consent on IPv6 loopback", func(c *Config) { c.Consent.Host = "::1" }, ""},
		{"consent shares server port", func(c *Config) { c.Consent.Port = c.Server.Port }, "must differ"},
		{"bad consent port", func(c *Config) { c.Consent.Port = 0 }, "invalid consent port"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "console" }, "invalid log format"},
		{"zero skew", func(c *Config) { c.Auth.MaxSkew = 0 }, "max_skew"},
		{"sqlite without path", func(c *Config) { c.Audit.Backend = "sqlite" }, "audit path"},
		{"unknown audit", func(c *Config) { c.Audit.Backend = "postgres" }, "invalid audit backend"},
		{"ratelimit without rate", func(c *Config) { c.RateLimit.RequestsPerMin = 0 }, "requests_per_min"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics path"},
		{"metrics disabled ignores path", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Path = ""
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenbroker.yaml")
	cfg := Default()
	cfg.PKCS11.Library = "/usr/lib/opensc-pkcs11.so"

	require.NoError(t, WriteYAML(path, cfg, false))
	assert.Error(t, WriteYAML(path, cfg, false), "existing file must not be replaced")
	require.NoError(t, WriteYAML(path, cfg, true))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
