// Package config loads the server configuration: defaults, then a TOML file,
// then BUGLE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"drive-bugle/internal/bugle"
	"drive-bugle/internal/grant"
	"drive-bugle/internal/token"
	"drive-bugle/pkg/auth"
)

// Session backends.
const (
	BackendCookie = "cookie"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// HealthPath is the liveness route served next to the plugin.
const HealthPath = "/healthz"

const (
	defaultHost        = "0.0.0.0"
	defaultPort        = 8080
	defaultCallback    = "/a/googledrive"
	defaultSessionTTL  = 30 * 24 * time.Hour
	defaultRedisPrefix = "bugle:session:"
	defaultLogLevel    = "info"
)

// Config is the whole configuration of a drive-bugle server.
type Config struct {
	Server   ServerConfig  `toml:"server" envPrefix:"SERVER_"`
	Google   GoogleConfig  `toml:"google" envPrefix:"GOOGLE_"`
	Session  SessionConfig `toml:"session" envPrefix:"SESSION_"`
	Bugle    bugle.Options `toml:"bugle"`
	LogLevel string        `toml:"log_level" env:"LOG_LEVEL"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host    string `toml:"host" env:"HOST"`
	Port    int    `toml:"port" env:"PORT"`
	BaseURL string `toml:"base_url" env:"BASE_URL"` // External URL, used for the OAuth redirect
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ExternalURL returns the base URL clients reach the server at.
func (s ServerConfig) ExternalURL() string {
	if s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", s.Port)
}

// GoogleConfig locates the OAuth client credentials.
type GoogleConfig struct {
	Key            string `toml:"key" env:"KEY"`
	Secret         string `toml:"secret" env:"SECRET"`
	Callback       string `toml:"callback" env:"CALLBACK"`
	SecretProject  string `toml:"secret_project" env:"SECRET_PROJECT"`
	SecretName     string `toml:"secret_name" env:"SECRET_NAME"`
	CredentialFile string `toml:"credential_file" env:"CREDENTIAL_FILE"`
}

// Source converts the section for auth.LoadCredentials.
func (g GoogleConfig) Source() auth.Source {
	return auth.Source{
		Key:            g.Key,
		Secret:         g.Secret,
		Callback:       g.Callback,
		SecretProject:  g.SecretProject,
		SecretName:     g.SecretName,
		CredentialFile: g.CredentialFile,
	}
}

// SessionConfig selects and tunes the session backend.
type SessionConfig struct {
	Backend     string        `toml:"backend" env:"BACKEND"`
	Password    string        `toml:"password" env:"PASSWORD"`
	TTL         time.Duration `toml:"ttl" env:"TTL"`
	Secure      bool          `toml:"secure" env:"SECURE"`
	RedisAddr   string        `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPrefix string        `toml:"redis_prefix" env:"REDIS_PREFIX"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: defaultHost, Port: defaultPort},
		Google: GoogleConfig{
			Callback:       defaultCallback,
			CredentialFile: auth.DefaultCredentialFile(),
		},
		Session: SessionConfig{
			Backend:     BackendCookie,
			TTL:         defaultSessionTTL,
			RedisPrefix: defaultRedisPrefix,
		},
		Bugle: bugle.Options{
			OpenFields:  "*",
			OpenMaxSize: 100 * 1024,
			Paths:       bugle.DefaultPaths(),
		},
		LogLevel: defaultLogLevel,
	}
}

// Validate checks everything that can be checked without network access.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &auth.ConfigError{Field: "server.port", Reason: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if !strings.HasPrefix(c.Google.Callback, "/") {
		return &auth.ConfigError{Field: "google.callback", Reason: "callback must be an absolute path"}
	}

	switch c.Session.Backend {
	case BackendCookie:
		if len(c.Session.Password) < token.MinKeyLength {
			return &auth.ConfigError{Field: "session.password", Reason: fmt.Sprintf("must be at least %d characters", token.MinKeyLength)}
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return &auth.ConfigError{Field: "session.redis_addr", Reason: "required by the redis backend"}
		}
	case BackendMemory:
	default:
		return &auth.ConfigError{Field: "session.backend", Reason: fmt.Sprintf("unsupported backend %q", c.Session.Backend)}
	}
	if c.Session.TTL < 0 {
		return &auth.ConfigError{Field: "session.ttl", Reason: "must not be negative"}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Bugle.Validate(); err != nil {
		return err
	}
	return bugle.CheckRoutes(c.Routes())
}

// Routes lists every path the server registers.
func (c *Config) Routes() []bugle.Route {
	routes := []bugle.Route{
		{Field: "grant.connect", Path: grant.DefaultConnectPath},
		{Field: "grant.callback", Path: grant.DefaultCallbackPath},
		{Field: "healthz", Path: HealthPath},
	}
	return append(routes, c.Bugle.Routes(c.Google.Callback)...)
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, &auth.ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", level)}
	}
	return l, nil
}
