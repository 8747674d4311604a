// Package config loads the daemon configuration from an optional YAML file
// and the command line. Flags win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"teebroker/pkg/protocol"
	"time"

	"gopkg.in/yaml.v3"
)

// Default locations.
const (
	DefaultAdminNode       = "/dev/mobicore"
	DefaultUserNode        = "/dev/mobicore-user"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultIOTimeout       = 5 * time.Second
	CrashSubdir            = "crashes"
	NumPartitions          = 16
)

// DefaultRegistryPaths lists the registry directories searched when none
// are configured. The first one is the writable registry.
var DefaultRegistryPaths = []string{
	"/data/vendor/mcRegistry",
	"/vendor/app/mcRegistry",
	"/system/app/mcRegistry",
}

// Config is the daemon configuration.
type Config struct {
	Background    bool     `yaml:"background"`
	DecryptionKey string   `yaml:"decryption_key,omitempty"`
	RegistryPaths []string `yaml:"registry_paths,omitempty"`
	AuthTokenDir  string   `yaml:"auth_token_dir,omitempty"`
	Drivers       []string `yaml:"drivers,omitempty"`
	LightMode     bool     `yaml:"light_mode"`

	SocketName      string `yaml:"socket_name,omitempty"`
	DebugSocketName string `yaml:"debug_socket_name,omitempty"`
	AuditLog        string `yaml:"audit_log,omitempty"`
	CrashDir        string `yaml:"crash_dir,omitempty"`

	AdminNode string `yaml:"admin_node,omitempty"`
	UserNode  string `yaml:"user_node,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
	IOTimeout       time.Duration `yaml:"io_timeout,omitempty"`

	// Partitions overrides the directory of individual storage partitions.
	Partitions map[int]string `yaml:"partitions,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a YAML configuration file. Unset fields get their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if len(c.RegistryPaths) == 0 {
		c.RegistryPaths = append([]string(nil), DefaultRegistryPaths...)
	}
	if c.SocketName == "" {
		c.SocketName = protocol.DefaultSocketName
	}
	if c.DebugSocketName == "" {
		c.DebugSocketName = protocol.DefaultDebugSocketName
	}
	if c.AdminNode == "" {
		c.AdminNode = DefaultAdminNode
	}
	if c.UserNode == "" {
		c.UserNode = DefaultUserNode
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
}

// CrashDirectory returns the crash archive directory, by default a
// subdirectory of the writable registry.
func (c *Config) CrashDirectory() string {
	if c.CrashDir != "" {
		return c.CrashDir
	}
	return filepath.Join(c.RegistryPaths[0], CrashSubdir)
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	for i := range c.Partitions {
		if i < 0 || i >= NumPartitions {
			return fmt.Errorf("partition %d out of range 0-%d", i, NumPartitions-1)
		}
	}
	for _, p := range c.RegistryPaths {
		if p == "" {
			return fmt.Errorf("empty registry path")
		}
	}
	if c.ShutdownTimeout < 0 || c.IOTimeout < 0 {
		return fmt.Errorf("negative timeout")
	}
	return nil
}
