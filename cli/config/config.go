// Package config provides configuration management for the stoat CLI.
//
// Settings are read from stoat.yaml and then overridden from STOAT_*
// environment variables, e.g. STOAT_STORE_DRIVER or STOAT_LOG_LEVEL.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "stoat.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOAT_"

// Drivers supported by the CLI.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config represents the stoat CLI configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version" validate:"required"`

	Project ProjectConfig `yaml:"project" envPrefix:"PROJECT_"`
	Store   StoreConfig   `yaml:"store" envPrefix:"STORE_"`
	Forward ForwardConfig `yaml:"forward,omitempty" envPrefix:"FORWARD_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// ProjectConfig contains project-level settings
type ProjectConfig struct {
	Name string `yaml:"name" env:"NAME" validate:"required"`
}

// StoreConfig selects and configures the storage adapter.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"required,oneof=memory sqlite badger postgres"`

	// URL is the postgres connection string. ${VAR} references are expanded.
	URL string `yaml:"url,omitempty" env:"URL" validate:"required_if=Driver postgres"`

	// Path is the sqlite file or badger directory.
	Path string `yaml:"path,omitempty" env:"PATH" validate:"required_if=Driver sqlite,required_if=Driver badger"`

	// Schema is the postgres schema.
	Schema string `yaml:"schema,omitempty" env:"SCHEMA"`
}

// ForwardConfig configures where committed events are forwarded by the demo.
type ForwardConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty" env:"KAFKA_BROKERS" envSeparator:","`
	KafkaPrefix  string   `yaml:"kafka_prefix,omitempty" env:"KAFKA_PREFIX"`
	WebhookURL   string   `yaml:"webhook_url,omitempty" env:"WEBHOOK_URL" validate:"omitempty,url"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{Name: "stoat-app"},
		Store: StoreConfig{
			Driver: DriverMemory,
			Schema: "stoat",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads path, applies environment overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from STOAT_* variables and expands ${VAR}
// references in the store URL.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Store.URL = os.ExpandEnv(c.Store.URL)
	return nil
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration. Every failing field is reported.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// fieldPath turns "Config.Store.Driver" into "store.driver".
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		path = namespace
	}
	return strings.ToLower(path)
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
