// Package config loads exchange daemon configuration from an optional
// YAML file and environment variables: a nested struct with yaml tags,
// overridden by environment for the one thing that must never live in a
// committed file, the database connection string.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the exchange daemon.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Feed    FeedConfig    `yaml:"feed"`
}

// StoreConfig controls database connectivity.
type StoreConfig struct {
	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"time_format"`
}

// FeedConfig controls the websocket market-data push surface.
type FeedConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseURLEnv and TestDatabaseURLEnv name the two environment
// variables the external interface specifies: one for production, one
// for tests.
const (
	DatabaseURLEnv     = "EXCHANGE_DATABASE_URL"
	TestDatabaseURLEnv = "EXCHANGE_TEST_DATABASE_URL"
)

// Default returns configuration with reasonable defaults for running a
// single exchange daemon process.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
		Feed: FeedConfig{
			ListenAddr: ":8090",
		},
	}
}

// Load reads a YAML file at path, falling back to Default when path is
// empty. It does not touch the database URL: that is read separately
// from the environment via DatabaseURL/TestDatabaseURL so secrets never
// live in a config file on disk.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// DatabaseURL returns the production connection string from the
// environment.
func DatabaseURL() string {
	return os.Getenv(DatabaseURLEnv)
}

// TestDatabaseURL returns the test connection string from the
// environment, or "" if tests should be skipped.
func TestDatabaseURL() string {
	return os.Getenv(TestDatabaseURLEnv)
}
