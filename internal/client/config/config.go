package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"macrolink/internal/client/session"
)

// Defaults for a freshly created config file.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8080

	sidLength   = 16
	sidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Environment variables that override file values.
const (
	EnvHost = "MACROLINK_HOST"
	EnvPort = "MACROLINK_PORT"
	EnvSID  = "MACROLINK_SID"
)

// ErrUnknownMacro is returned by Macro when no macro with that name is configured.
var ErrUnknownMacro = errors.New("unknown macro")

// Config is the on-disk client configuration.
type Config struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	SID          string           `yaml:"sid"`
	Version      string           `yaml:"version,omitempty"`
	DialTimeout  time.Duration    `yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration    `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration    `yaml:"write_timeout,omitempty"`
	Macros       map[string][]int `yaml:"macros,omitempty"`
}

// Default returns a config with default endpoint and a new session identifier.
func Default() (*Config, error) {
	sid, err := GenerateSID()
	if err != nil {
		return nil, err
	}
	return &Config{Host: DefaultHost, Port: DefaultPort, SID: sid}, nil
}

// Endpoint returns the configured server endpoint.
func (c *Config) Endpoint() session.Endpoint {
	return session.Endpoint{Host: c.Host, Port: c.Port}
}

// SessionConfig returns session I/O limits, falling back to session defaults
// for values left unset.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	if c.DialTimeout > 0 {
		cfg.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	return cfg
}

// Macro looks up a named macro's steps.
func (c *Config) Macro(name string) ([]int, error) {
	steps, ok := c.Macros[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMacro, name)
	}
	return steps, nil
}

// GetConfigPath returns ~/.macrolink.yml.
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".macrolink.yml"), nil
}

// LoadConfig reads the default config file, creating it if needed, then applies
// .env and environment overrides.
func LoadConfig() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	// A missing .env is normal.
	_ = godotenv.Load()
	return LoadFile(path)
}

// LoadFile reads the config at path and applies environment overrides.
// A missing file is created with defaults and a config without a sid gets one
// generated; both are written back. Overrides are never written back.
func LoadFile(path string) (*Config, error) {
	cfg, err := LoadStoredFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStoredConfig reads the config at the default path without environment overrides.
func LoadStoredConfig() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadStoredFile(path)
}

// LoadStoredFile is LoadFile without environment overrides: it returns what is
// on disk, after creating defaults or filling a missing sid.
func LoadStoredFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if cfg, err = Default(); err != nil {
			return nil, err
		}
		if err := SaveFile(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if cfg.SID == "" {
		if cfg.SID, err = GenerateSID(); err != nil {
			return nil, err
		}
		if err := SaveFile(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to the default config path.
func SaveConfig(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path as YAML with owner-only permissions.
func SaveFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		c.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvSID)); v != "" {
		c.SID = v
	}
	return nil
}

// GenerateSID returns a random 16-character lowercase alphanumeric identifier.
func GenerateSID() (string, error) {
	var b strings.Builder
	b.Grow(sidLength)
	max := big.NewInt(int64(len(sidAlphabet)))
	for i := 0; i < sidLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate sid: %w", err)
		}
		b.WriteByte(sidAlphabet[n.Int64()])
	}
	return b.String(), nil
}
