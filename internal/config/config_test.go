package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(ConfigEnvVar, "")
	t.Setenv(LookupURLEnvVar, "")
	t.Setenv(StreamURLEnvVar, "")
	return home
}

func TestDefault(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, dashboard.DefaultLookupURL, cfg.LookupURL)
	assert.Equal(t, dashboard.DefaultStreamURL, cfg.StreamURL)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, filepath.Join(home, ".claudible-monitor"), cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, DisplayFull, cfg.DisplayMode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Path())
	assert.Equal(t, dashboard.DefaultLookupURL, cfg.LookupURL)
	assert.Equal(t, filepath.Join(home, ".claudible-monitor", "logs", "monitor.log"), cfg.LogPath())
	assert.Equal(t, filepath.Join(home, ".claudible-monitor", "credential"), cfg.CredentialPath())
	assert.Equal(t, filepath.Join(home, ".claudible-monitor", "balance.json"), cfg.BalancePath())
}

func TestLoadReadsDefaultLocation(t *testing.T) {
	home := isolateEnv(t)
	dir := filepath.Join(home, ".claudible-monitor")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnect_delay: 500ms\nlog_level: debug\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
}

func TestLoadFileOverridesAndExpandsPaths(t *testing.T) {
	home := isolateEnv(t)
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	content := `
lookup_url: http://127.0.0.1:8080/dashboard/lookup
stream_url: ws://127.0.0.1:8080/dashboard/ws
fetch_timeout: 3s
refresh_interval: 0s
data_dir: ~/monitor-data
log_file: ~/logs/m.log
log_format: json
display_mode: compact
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/dashboard/lookup", cfg.LookupURL)
	assert.Equal(t, "ws://127.0.0.1:8080/dashboard/ws", cfg.StreamURL)
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.Equal(t, time.Duration(0), cfg.RefreshInterval)
	assert.Equal(t, filepath.Join(home, "monitor-data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "logs", "m.log"), cfg.LogPath())
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, DisplayCompact, cfg.DisplayMode)
}

func TestLoadHonorsConfigEnvVar(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadFileMissingIsAnError(t *testing.T) {
	isolateEnv(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnect_delay: [not a duration\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode config")
}

func TestEnvironmentOverridesEndpoints(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lookup_url: http://from-file/lookup\n"), 0o600))
	t.Setenv(LookupURLEnvVar, "http://from-env/lookup")
	t.Setenv(StreamURLEnvVar, "ws://from-env/ws")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env/lookup", cfg.LookupURL)
	assert.Equal(t, "ws://from-env/ws", cfg.StreamURL)
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "empty lookup", mutate: func(c *Config) { c.LookupURL = " " }, want: "lookup_url"},
		{name: "empty stream", mutate: func(c *Config) { c.StreamURL = "" }, want: "stream_url"},
		{name: "zero delay", mutate: func(c *Config) { c.ReconnectDelay = 0 }, want: "reconnect_delay"},
		{name: "zero fetch timeout", mutate: func(c *Config) { c.FetchTimeout = 0 }, want: "fetch_timeout"},
		{name: "negative refresh", mutate: func(c *Config) { c.RefreshInterval = -time.Second }, want: "refresh_interval"},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }, want: "data_dir"},
		{name: "unknown log format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: "log_format"},
		{name: "unknown display mode", mutate: func(c *Config) { c.DisplayMode = "tiny" }, want: "display_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	isolateEnv(t)
	cfg, err := Default()
	require.NoError(t, err)
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	require.NoError(t, cfg.EnsureDataDir())
	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
