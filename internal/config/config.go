package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models escrowline.yml.
type Config struct {
	Administrator struct {
		ID string `yaml:"id"`
	} `yaml:"administrator"`
	Escrow struct {
		// DefaultValidationPeriod applies when a mission is created without
		// an explicit validation period. Duration string, e.g. "72h".
		DefaultValidationPeriod string `yaml:"default_validation_period"`
	} `yaml:"escrow"`
	Server struct {
		BasePath         string `yaml:"base_path"`
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with el config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if no file exists in the workspace.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Administrator.ID == "" {
		return fmt.Errorf("config.administrator.id is required")
	}
	if c.Escrow.DefaultValidationPeriod != "" {
		d, err := time.ParseDuration(c.Escrow.DefaultValidationPeriod)
		if err != nil {
			return fmt.Errorf("config.escrow.default_validation_period: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.escrow.default_validation_period must be positive")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidationPeriodSeconds returns the configured default validation period.
func (c *Config) ValidationPeriodSeconds() int64 {
	if c.Escrow.DefaultValidationPeriod == "" {
		return int64(defaultValidationPeriod / time.Second)
	}
	d, err := time.ParseDuration(c.Escrow.DefaultValidationPeriod)
	if err != nil || d <= 0 {
		return int64(defaultValidationPeriod / time.Second)
	}
	return int64(d / time.Second)
}

const defaultValidationPeriod = 72 * time.Hour

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `administrator:
  id: admin

escrow:
  default_validation_period: 72h

server:
  base_path: /v0
  jwt_secret: ""
  allow_actor_header: true

webhooks: []
`
