// Package config loads the tagging server configuration from a JSON or YAML
// file. Fields omitted from the file keep their defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tagconsensus/internal/consensus"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/tagging.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration of the tagging server.
type Config struct {
	// HTTP listen address for the JSON API.
	Listen string `json:"listen" yaml:"listen"`
	// GRPCListen is the listen address of the TagService. Empty disables it.
	GRPCListen string `json:"grpc_listen" yaml:"grpc_listen"`
	DBPath     string `json:"db_path" yaml:"db_path"`
	// ShutdownTimeout is a duration string like "5s".
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// RecordConflicts opens an audit conflict whenever a recompute is disputed.
	RecordConflicts bool `json:"record_conflicts" yaml:"record_conflicts"`
	// DebugRoutes mounts the /debug admin console.
	DebugRoutes bool `json:"debug_routes" yaml:"debug_routes"`

	Consensus consensus.Config `json:"consensus" yaml:"consensus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:          ":8090",
		GRPCListen:      ":8091",
		DBPath:          "tagging.db",
		ShutdownTimeout: "5s",
		RecordConflicts: true,
		DebugRoutes:     true,
		Consensus:       consensus.DefaultConfig(),
	}
}

// Load reads a configuration file. The format is chosen by extension:
// .json, .yaml or .yml.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("invalid shutdown_timeout '%s': %w", c.ShutdownTimeout, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("shutdown_timeout must be non-negative, got %s", d))
		}
	}
	if err := c.Consensus.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("consensus: %w", err))
	}
	return errors.Join(errs...)
}

// GetShutdownTimeout returns the parsed shutdown timeout, or 5s when unset.
func (c *Config) GetShutdownTimeout() time.Duration {
	if c.ShutdownTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
