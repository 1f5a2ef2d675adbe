// Package config loads engine deployment configuration from YAML: graph
// namespaces, scheduler pacing, and the optional Mongo snapshot and Redis
// stream backends.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spear-engine/spear/engine/graph"
)

type (
	// Config is the root of the YAML configuration file.
	Config struct {
		// Namespaces overrides the graph URI prefixes. Empty fields fall
		// back to the defaults.
		Namespaces graph.Namespaces `yaml:"namespaces"`
		// Scheduler configures timer polling.
		Scheduler Scheduler `yaml:"scheduler"`
		// Mongo configures the snapshot store. Optional; snapshots are
		// disabled when URI is empty.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures the event stream backend. Optional; streaming is
		// disabled when Addr is empty.
		Redis Redis `yaml:"redis"`
	}

	// Scheduler holds timer polling settings.
	Scheduler struct {
		// Interval is the polling period. Defaults to one second.
		Interval time.Duration `yaml:"interval"`
		// MaxFiresPerSecond caps timer fires per second, zero for no cap.
		MaxFiresPerSecond float64 `yaml:"max_fires_per_second"`
	}

	// Mongo holds snapshot store settings.
	Mongo struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	// Redis holds event stream settings.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// StreamMaxLen bounds entries kept per stream, zero for the backend
		// default.
		StreamMaxLen int `yaml:"stream_max_len"`
	}
)

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Namespaces: graph.DefaultNamespaces(),
		Scheduler:  Scheduler{Interval: time.Second},
		Mongo:      Mongo{Collection: "graph_snapshots", Timeout: 5 * time.Second},
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, filling omitted fields from Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Namespaces = cfg.Namespaces.Normalized()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("scheduler interval must not be negative")
	}
	if c.Scheduler.MaxFiresPerSecond < 0 {
		return fmt.Errorf("scheduler max_fires_per_second must not be negative")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required when mongo uri is set")
	}
	return nil
}
