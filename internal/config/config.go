package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the termd daemon's top-level configuration.
type Config struct {
	SocketDir        string           `yaml:"socket_dir"`
	ScrollbackLines  int              `yaml:"scrollback_lines"`
	DefaultTags      []string         `yaml:"default_tags"`
	Persistent       *bool            `yaml:"persistent"`
	AuthToken        string           `yaml:"auth_token"`
	Federation       FederationConfig `yaml:"federation"`
}

// FederationConfig configures the federation proxy's startup bootstrap
// list and access control, in addition to the dynamic register() RPC.
type FederationConfig struct {
	Backends []BackendConfig `yaml:"backends"`
	Allow    []string        `yaml:"allow_cidrs"`
	Block    []string        `yaml:"block_cidrs"`
}

// BackendConfig describes one backend to register at daemon startup.
type BackendConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token,omitempty"`
}

const (
	defaultScrollbackLines = 10000
)

// ConfigDir returns the termd configuration directory (~/.termd/).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".termd")
	}
	return filepath.Join(home, ".termd")
}

// Load reads the termd config from ~/.termd/config.yaml.
// If the file does not exist, it returns a config with defaults applied.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(ConfigDir(), "config.yaml"))
}

// LoadFrom reads the termd config from the given path.
// If the file does not exist, it returns a config with defaults applied.
func LoadFrom(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	persistent := true
	return &Config{
		SocketDir:       filepath.Join(ConfigDir(), "sockets"),
		ScrollbackLines: defaultScrollbackLines,
		Persistent:      &persistent,
	}
}

// applyDefaults fills in zero-value fields left unset by a partial YAML
// document, mirroring LoadFrom's no-file defaults.
func (c *Config) applyDefaults() {
	if c.SocketDir == "" {
		c.SocketDir = filepath.Join(ConfigDir(), "sockets")
	}
	if c.ScrollbackLines == 0 {
		c.ScrollbackLines = defaultScrollbackLines
	}
	if c.Persistent == nil {
		persistent := true
		c.Persistent = &persistent
	}
}

// IsPersistent reports the registry's shutdown-on-empty behavior.
func (c *Config) IsPersistent() bool {
	return c.Persistent == nil || *c.Persistent
}

var tagRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (c *Config) validate() error {
	if c.ScrollbackLines < 0 {
		return fmt.Errorf("scrollback_lines: must be >= 0, got %d", c.ScrollbackLines)
	}
	for _, tag := range c.DefaultTags {
		if tag == "" || !tagRe.MatchString(tag) {
			return fmt.Errorf("default_tags: invalid tag %q (must match [a-zA-Z0-9_-]+)", tag)
		}
	}
	for _, b := range c.Federation.Backends {
		if err := validateBackendAddress(b.Address); err != nil {
			return fmt.Errorf("federation.backends: %w", err)
		}
	}
	for _, cidr := range append(append([]string{}, c.Federation.Allow...), c.Federation.Block...) {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("federation: invalid CIDR %q: %w", cidr, err)
		}
	}
	return nil
}

func validateBackendAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address: empty")
	}
	return nil
}
