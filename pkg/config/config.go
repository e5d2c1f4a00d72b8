package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultListenAddr is used when listen_addr is not configured.
	DefaultListenAddr = "0.0.0.0:3000"

	// EnvConfig points at an explicit config file location.
	EnvConfig = "MAZUADM_CONFIG"

	// EnvDatabaseURL overrides database_url from the config file.
	EnvDatabaseURL = "DATABASE_URL"

	systemPath = "/etc/mazuadm/config.toml"
)

// Config is the process configuration, read from a TOML file plus
// environment overrides.
type Config struct {
	DatabaseURL string `toml:"database_url"`
	ListenAddr  string `toml:"listen_addr"`
	DockerHost  string `toml:"docker_host"`
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`
}

// SearchPaths returns the candidate config file locations in precedence
// order. flagPath is the --config value and may be empty.
func SearchPaths(flagPath string) []string {
	var paths []string
	if flagPath != "" {
		paths = append(paths, flagPath)
	}
	if env := os.Getenv(EnvConfig); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths, systemPath)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "mazuadm", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mazuadm", "config.toml"))
	}
	return paths
}

// Load reads the first config file found along the search path, applies
// environment overrides and defaults, and validates the result. A missing
// config file is not an error as long as the environment carries the
// database URL.
func Load(flagPath string) (*Config, error) {
	cfg := &Config{}

	for _, path := range SearchPaths(flagPath) {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg = parsed
		break
	}

	if env := os.Getenv(EnvDatabaseURL); env != "" {
		cfg.DatabaseURL = env
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid TOML: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (config file or %s)", EnvDatabaseURL)
	}
	return nil
}
