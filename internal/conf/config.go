package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults applied to fields left empty in the file.
const (
	DefaultListenAddr    = "0.0.0.0:6543"
	DefaultSpoolDir      = "./spool"
	DefaultBanFile       = "./banned.txt"
	DefaultShutdownGrace = 10 * time.Second
)

type FeedConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Interval string `yaml:"interval"`
}

type Config struct {
	ListenAddr    string            `yaml:"listen_addr"`
	SpoolDir      string            `yaml:"spool_dir"`
	BanFile       string            `yaml:"ban_file"`
	Workers       int               `yaml:"workers"`
	ShutdownGrace string            `yaml:"shutdown_grace"`
	Users         map[string]string `yaml:"users"`
	Feeds         []FeedConfig      `yaml:"feeds"`
}

// LoadConfig reads the configuration from path, or from the first
// existing default location when path is empty.
func LoadConfig(path string) (*Config, error) {
	paths := []string{path}
	if path == "" {
		paths = []string{
			"/etc/postbox/postbox.yaml",
			"./config/postbox.yaml",
			"./postbox.yaml",
		}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.SpoolDir == "" {
		c.SpoolDir = DefaultSpoolDir
	}
	if c.BanFile == "" {
		c.BanFile = DefaultBanFile
	}
}

// GraceDuration parses the shutdown grace period.
func (c *Config) GraceDuration() (time.Duration, error) {
	if c.ShutdownGrace == "" {
		return DefaultShutdownGrace, nil
	}
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 0, fmt.Errorf("invalid shutdown_grace: %w", err)
	}
	return d, nil
}

// IntervalDuration parses a feed's poll interval. Zero means the
// gateway's default.
func (f *FeedConfig) IntervalDuration() (time.Duration, error) {
	if f.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid feed interval for %s: %w", f.URL, err)
	}
	return d, nil
}
