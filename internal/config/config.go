// Package config provides configuration management for the seeder.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the seeder configuration.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Seeder  SeederConfig  `yaml:"seeder"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
	// MDNS enables local network discovery.
	MDNS bool `yaml:"mdns"`
	// Backup joins discovery topics as a client only.
	Backup bool `yaml:"backup"`
	// SecretKey is a hex ed25519 seed for the node identity. Empty derives
	// the identity from the store.
	SecretKey string `yaml:"secret_key"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SeederConfig lists the initial resources and how to run them.
type SeederConfig struct {
	List      string   `yaml:"list"`
	SeedsFile string   `yaml:"seeds_file"`
	Cores     []string `yaml:"cores"`
	Bees      []string `yaml:"bees"`
	Drives    []string `yaml:"drives"`
	Seeders   []string `yaml:"seeders"`
	// DryRun tracks the list without reconciling it.
	DryRun         bool   `yaml:"dry_run"`
	StatusInterval string `yaml:"status_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Listen is the metrics address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".sdn-seeder", "corestore")

	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4011",
				"/ip4/0.0.0.0/tcp/4012/ws",
			},
			Bootstrap: []string{},
			MaxConns:  400,
			MDNS:      true,
		},
		Storage: StorageConfig{
			Path: dataPath,
		},
		Seeder: SeederConfig{
			StatusInterval: "5s",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sdn-seeder", "config.yaml")
}

// Load loads the configuration from a file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks values that cannot be caught by the YAML decoder.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Network.SecretKey != "" {
		if _, err := c.SecretSeed(); err != nil {
			return err
		}
	}
	if _, err := time.ParseDuration(c.Seeder.StatusInterval); c.Seeder.StatusInterval != "" && err != nil {
		return fmt.Errorf("seeder.status_interval: %w", err)
	}
	return nil
}

// SecretSeed decodes network.secret_key. It returns nil when unset.
func (c *Config) SecretSeed() ([]byte, error) {
	if c.Network.SecretKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Network.SecretKey)
	if err != nil || len(seed) != 32 {
		return nil, fmt.Errorf("network.secret_key must be 64 hex characters")
	}
	return seed, nil
}

// StatusInterval returns the status refresh period, defaulting to 5s.
func (c *Config) StatusInterval() time.Duration {
	d, err := time.ParseDuration(c.Seeder.StatusInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
