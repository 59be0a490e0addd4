package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models matflow.yml.
type Config struct {
	SRS      SRSConfig       `yaml:"srs"`
	Drill    DrillConfig     `yaml:"drill"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SRSConfig tunes the review scheduler. The SM-2 constants are deliberately
// configurable pending product calibration.
type SRSConfig struct {
	InitialIntervalDays int     `yaml:"initial_interval_days"`
	MinEase             float64 `yaml:"min_ease"`
	MaxEase             float64 `yaml:"max_ease"`
	EaseBonus           float64 `yaml:"ease_bonus"`
	EasePenaltyStep     float64 `yaml:"ease_penalty_step"`
	LapseEaseDrop       float64 `yaml:"lapse_ease_drop"`
	StartingEase        float64 `yaml:"starting_ease"`
}

type DrillConfig struct {
	DefaultMaxLength  int     `yaml:"default_max_length"`
	WeakEaseThreshold float64 `yaml:"weak_ease_threshold"`
}

type ServerConfig struct {
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyUserHeader  bool   `yaml:"allow_legacy_user_header"`
	BasePath               string `yaml:"base_path"`
	ListenAddr             string `yaml:"listen_addr"`
	SparringWebhookSecret  string `yaml:"sparring_webhook_secret"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with mf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	s := c.SRS
	if s.InitialIntervalDays < 1 {
		return fmt.Errorf("config.srs.initial_interval_days must be >= 1")
	}
	if s.MinEase < 1.0 {
		return fmt.Errorf("config.srs.min_ease must be >= 1.0")
	}
	if s.MaxEase <= s.MinEase {
		return fmt.Errorf("config.srs.max_ease must exceed min_ease")
	}
	if s.StartingEase < s.MinEase || s.StartingEase > s.MaxEase {
		return fmt.Errorf("config.srs.starting_ease must lie in [min_ease, max_ease]")
	}
	if s.EaseBonus < 0 || s.EasePenaltyStep < 0 || s.LapseEaseDrop < 0 {
		return fmt.Errorf("config.srs ease adjustments must be non-negative")
	}
	if c.Drill.DefaultMaxLength < 1 {
		return fmt.Errorf("config.drill.default_max_length must be >= 1")
	}
	if c.Drill.WeakEaseThreshold < s.MinEase {
		return fmt.Errorf("config.drill.weak_ease_threshold must be >= srs.min_ease")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "matflow.yml")
}

// Default returns the baseline Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for mf config init.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Absent values
// fall back to the defaults so a partial file stays usable.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `srs:
  initial_interval_days: 1
  starting_ease: 2.5
  min_ease: 1.3
  max_ease: 2.5
  ease_bonus: 0.1
  ease_penalty_step: 0.08
  lapse_ease_drop: 0.2

drill:
  default_max_length: 8
  weak_ease_threshold: 1.8

server:
  base_path: /v0
  listen_addr: 127.0.0.1:8484
  jwt_secret: ""
  allow_legacy_user_header: true
  sparring_webhook_secret: ""

webhooks: []
`
