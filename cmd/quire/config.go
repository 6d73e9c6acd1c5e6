package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/jpl-au/quire"
)

// Config is the CLI configuration file.
type Config struct {
	Store StoreConfig `toml:"store"`
	Log   LogConfig   `toml:"log"`
}

type StoreConfig struct {
	PageSize   int    `toml:"page_size"`
	Checksum   string `toml:"checksum"` // "xxh3" or "blake2b"
	SyncWrites bool   `toml:"sync_writes"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Defaults returns a Config matching the library defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			PageSize: quire.DefaultPageSize,
			Checksum: "xxh3",
		},
		Log: LogConfig{
			Level: "warning",
		},
	}
}

// Load reads a TOML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if _, err := cfg.store(); err != nil {
		return nil, err
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// store converts the file settings to a quire.Config.
func (c *Config) store() (quire.Config, error) {
	out := quire.Config{PageSize: c.Store.PageSize, SyncWrites: c.Store.SyncWrites}
	switch strings.ToLower(c.Store.Checksum) {
	case "", "xxh3":
		out.Checksum = quire.AlgXXHash3
	case "blake2b":
		out.Checksum = quire.AlgBlake2b
	default:
		return out, fmt.Errorf("unknown checksum %q", c.Store.Checksum)
	}
	return out, nil
}
