package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drive-bugle/internal/vault"
	"drive-bugle/pkg/auth"
)

const password = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bugle.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/a/googledrive", cfg.Google.Callback)
	assert.Equal(t, BackendCookie, cfg.Session.Backend)
	assert.Equal(t, "*", cfg.Bugle.OpenFields)
	assert.Equal(t, int64(100*1024), cfg.Bugle.OpenMaxSize)
	assert.Equal(t, "/a/me", cfg.Bugle.Paths.Me)
	assert.Equal(t, "/a/googledriveretry", cfg.Bugle.Paths.Retry)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[server]
port = 9090
base_url = "https://bugle.example.com/"

[google]
key = "client-id"
secret = "client-secret"

[session]
backend = "redis"
redis_addr = "localhost:6379"
ttl = "2h"

[bugle]
hostname = "bugle.example.com"
openUrl = "/a/open"
useMeLevel = 2
hexidSalt = "pepper"
myRedirect = "/home"

[bugle.paths]
me = "/profile"

[bugle.drive.refreshTokenStash]
location = "appDataFolder"
file = "refresh.txt"
key = "0123456789abcdef0123456789abcdef"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://bugle.example.com", cfg.Server.ExternalURL())
	assert.Equal(t, "client-id", cfg.Google.Key)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "/a/open", cfg.Bugle.OpenURL)
	assert.Equal(t, 2, cfg.Bugle.UseMeLevel)
	assert.Equal(t, "/profile", cfg.Bugle.Paths.Me)
	assert.Equal(t, "/a/login", cfg.Bugle.Paths.Login)
	assert.Equal(t, vault.LocationAppData, cfg.Bugle.Drive.RefreshTokenStash.Location)
	assert.Equal(t, "*", cfg.Bugle.OpenFields)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090
`)
	t.Setenv("BUGLE_SERVER_PORT", "7070")
	t.Setenv("BUGLE_SESSION_PASSWORD", password)
	t.Setenv("BUGLE_GOOGLE_KEY", "env-key")
	t.Setenv("BUGLE_USE_ME_LEVEL", "3")
	t.Setenv("BUGLE_PATH_RETRY", "/again")
	t.Setenv("BUGLE_STASH_LOCATION", "appDataFolder")
	t.Setenv("BUGLE_STASH_FILE", "rt.txt")
	t.Setenv("BUGLE_STASH_KEY", password)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, password, cfg.Session.Password)
	assert.Equal(t, "env-key", cfg.Google.Key)
	assert.Equal(t, 3, cfg.Bugle.UseMeLevel)
	assert.Equal(t, "/again", cfg.Bugle.Paths.Retry)
	assert.Equal(t, "rt.txt", cfg.Bugle.Drive.RefreshTokenStash.File)
}

func TestLoad_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[sesion]
backend = "memory"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sesion")
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "port = ["))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("BUGLE_SESSION_BACKEND", "memory")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"relative callback", func(c *Config) { c.Google.Callback = "cb" }, "google.callback"},
		{"short password", func(c *Config) { c.Session.Password = "short" }, "session.password"},
		{"redis without addr", func(c *Config) { c.Session.Backend = BackendRedis }, "session.redis_addr"},
		{"unknown backend", func(c *Config) { c.Session.Backend = "etcd" }, "session.backend"},
		{"negative ttl", func(c *Config) { c.Session.TTL = -time.Second }, "session.ttl"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"open without hostname", func(c *Config) { c.Bugle.OpenURL = "/a/open" }, "hostname"},
		{"callback on grant route", func(c *Config) { c.Google.Callback = "/connect/google/callback" }, "google.callback"},
		{"callback on profile page", func(c *Config) { c.Google.Callback = "/a/me" }, "paths.me"},
		{"login on health route", func(c *Config) { c.Bugle.Paths.Login = HealthPath }, "paths.login"},
		{"relative path", func(c *Config) { c.Bugle.Paths.Logout = "a/logout" }, "paths.logout"},
		{"reset shares retry page", func(c *Config) { c.Bugle.Paths.Reset = c.Bugle.Paths.Retry }, ""},
		{"bad stash", func(c *Config) {
			c.Bugle.Drive.RefreshTokenStash = vault.Config{Location: "dropbox", File: "x", Key: password}
		}, "drive.refreshTokenStash.location"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Session.Password = password
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *auth.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	l, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLogLevel("chatty")
	assert.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8081}
	assert.Equal(t, "127.0.0.1:8081", s.Addr())
	assert.Equal(t, "http://localhost:8081", s.ExternalURL())
}
