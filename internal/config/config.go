// Package config loads monitor settings from an optional YAML file.
//
// The file is read from $CLAUDIBLE_MONITOR_CONFIG when set, otherwise from
// ~/.claudible-monitor/config.yaml. A missing default file is not an error;
// a missing explicit file is. Environment variables override the endpoints,
// and command-line flags override everything.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

const (
	ConfigEnvVar    = "CLAUDIBLE_MONITOR_CONFIG"
	LookupURLEnvVar = "CLAUDIBLE_LOOKUP_URL"
	StreamURLEnvVar = "CLAUDIBLE_STREAM_URL"

	LogFormatText = "text"
	LogFormatJSON = "json"

	DisplayFull    = "full"
	DisplayCompact = "compact"

	defaultDataDirName = ".claudible-monitor"
	configFileName     = "config.yaml"
)

type Config struct {
	// LookupURL is the request/response snapshot endpoint.
	LookupURL string `yaml:"lookup_url"`

	// StreamURL is the live event endpoint; the key travels as ?key=.
	StreamURL string `yaml:"stream_url"`

	// ReconnectDelay is the fixed wait between stream connection attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// RefreshInterval re-runs the full lookup while streaming. Zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// DataDir holds the stored key, the balance cache and logs.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`

	// LogFile defaults to <data_dir>/logs/monitor.log.
	LogFile string `yaml:"log_file"`

	// DisplayMode is "full" or "compact" (balance, runway and live status only).
	DisplayMode string `yaml:"display_mode"`

	path string
}

func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Config{
		LookupURL:       dashboard.DefaultLookupURL,
		StreamURL:       dashboard.DefaultStreamURL,
		ReconnectDelay:  dashboard.DefaultReconnectDelay,
		FetchTimeout:    10 * time.Second,
		RefreshInterval: 5 * time.Minute,
		DataDir:         filepath.Join(home, defaultDataDirName),
		LogLevel:        "info",
		LogFormat:       LogFormatText,
		DisplayMode:     DisplayFull,
	}, nil
}

// Load resolves the config path from the environment and loads it.
func Load() (*Config, error) {
	if explicit := strings.TrimSpace(os.Getenv(ConfigEnvVar)); explicit != "" {
		return LoadFile(explicit)
	}

	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.DataDir, configFileName)
	if err := cfg.loadFile(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	} else {
		cfg.path = path
	}
	return cfg.finish()
}

// LoadFile loads path over the defaults. The file must exist.
func LoadFile(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	expanded, err := expandPath(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if err := cfg.loadFile(expanded); err != nil {
		return nil, err
	}
	cfg.path = expanded
	return cfg.finish()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) finish() (*Config, error) {
	c.applyEnvironmentOverrides()
	dataDir, err := expandPath(c.DataDir)
	if err != nil {
		return nil, err
	}
	c.DataDir = dataDir
	logFile, err := expandPath(c.LogFile)
	if err != nil {
		return nil, err
	}
	c.LogFile = logFile
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if v := strings.TrimSpace(os.Getenv(LookupURLEnvVar)); v != "" {
		c.LookupURL = v
	}
	if v := strings.TrimSpace(os.Getenv(StreamURLEnvVar)); v != "" {
		c.StreamURL = v
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.LookupURL) == "" {
		return errors.New("config: lookup_url is empty")
	}
	if strings.TrimSpace(c.StreamURL) == "" {
		return errors.New("config: stream_url is empty")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("config: reconnect_delay must be > 0, got %s", c.ReconnectDelay)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch_timeout must be > 0, got %s", c.FetchTimeout)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("config: refresh_interval must be >= 0, got %s", c.RefreshInterval)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("config: data_dir is empty")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("config: log_format must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.LogFormat)
	}
	switch c.DisplayMode {
	case DisplayFull, DisplayCompact:
	default:
		return fmt.Errorf("config: display_mode must be %q or %q, got %q", DisplayFull, DisplayCompact, c.DisplayMode)
	}
	return nil
}

// Path is the file the config was read from, or "" when only defaults apply.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func (c *Config) CredentialPath() string {
	return filepath.Join(c.DataDir, "credential")
}

func (c *Config) BalancePath() string {
	return filepath.Join(c.DataDir, "balance.json")
}

func (c *Config) LogPath() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, "logs", "monitor.log")
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
