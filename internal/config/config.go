// Package config loads the bridge configuration: a YAML file validated
// against an embedded JSON schema, with environment overrides for secrets
// and a file watcher for hot reload of the sync switch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML values like "3m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Listen   string `yaml:"listen"`
	APIToken string `yaml:"api_token"`
	LogLevel string `yaml:"log_level"`

	Sync struct {
		Enabled           bool     `yaml:"enabled"`
		MaxEntryBytes     int      `yaml:"max_entry_bytes"`
		MaxConversations  int      `yaml:"max_conversations"`
		ExternalWorkers   int      `yaml:"external_workers"`
		ScheduledWorkers  int      `yaml:"scheduled_workers"`
		Interval          Duration `yaml:"interval"`
		PollInterval      Duration `yaml:"poll_interval"`
		DiscoveryInterval Duration `yaml:"discovery_interval"`
		ActivityInterval  Duration `yaml:"activity_interval"`
	} `yaml:"sync"`

	Helpdesk struct {
		BaseURL  string `yaml:"base_url"`
		APIKey   string `yaml:"api_key"`
		PageSize int    `yaml:"page_size"`
	} `yaml:"helpdesk"`

	Cloud struct {
		BaseURL     string   `yaml:"base_url"`
		Brands      []string `yaml:"brands"`
		BrandAPIID  string   `yaml:"brand_api_id"`
		BrandAPIKey string   `yaml:"brand_api_key"`
	} `yaml:"cloud"`

	Broker struct {
		BaseURL         string   `yaml:"base_url"`
		Token           string   `yaml:"token"`
		RefreshInterval Duration `yaml:"refresh_interval"`
		MasterFallback  bool     `yaml:"master_fallback"`
	} `yaml:"broker"`

	Alerts struct {
		BaseURL           string `yaml:"base_url"`
		APIKey            string `yaml:"api_key"`
		WarnThreshold     int    `yaml:"warn_threshold"`
		CriticalThreshold int    `yaml:"critical_threshold"`
	} `yaml:"alerts"`

	State struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"state"`
}

// Load reads, schema-validates, and decodes the config file, then applies
// environment overrides and defaults.
func Load(path string) (*Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(payload)
}

func Parse(payload []byte) (*Config, error) {
	if err := validateSchema(payload); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Secrets come from the environment in deployments; a value in the file is
// only the development fallback.
func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"TICKETBRIDGE_API_TOKEN", &c.APIToken},
		{"TICKETBRIDGE_HELPDESK_API_KEY", &c.Helpdesk.APIKey},
		{"TICKETBRIDGE_BROKER_TOKEN", &c.Broker.Token},
		{"TICKETBRIDGE_BRAND_API_KEY", &c.Cloud.BrandAPIKey},
		{"TICKETBRIDGE_ALERTS_API_KEY", &c.Alerts.APIKey},
		{"TICKETBRIDGE_POSTGRES_DSN", &c.State.PostgresDSN},
	}
	for _, o := range overrides {
		if value := strings.TrimSpace(os.Getenv(o.key)); value != "" {
			*o.target = value
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sync.MaxEntryBytes == 0 {
		c.Sync.MaxEntryBytes = 3800
	}
	if c.Sync.MaxConversations == 0 {
		c.Sync.MaxConversations = 200
	}
	if c.Sync.ExternalWorkers == 0 {
		c.Sync.ExternalWorkers = 4
	}
	if c.Sync.ScheduledWorkers == 0 {
		c.Sync.ScheduledWorkers = 2
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = Duration(time.Minute)
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = Duration(500 * time.Millisecond)
	}
	if c.Sync.DiscoveryInterval == 0 {
		c.Sync.DiscoveryInterval = Duration(2 * time.Minute)
	}
	if c.Sync.ActivityInterval == 0 {
		c.Sync.ActivityInterval = Duration(time.Minute)
	}
	if c.Broker.RefreshInterval == 0 {
		c.Broker.RefreshInterval = Duration(3 * time.Minute)
	}
	if c.Helpdesk.PageSize == 0 {
		c.Helpdesk.PageSize = 30
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Path == "" {
		c.State.Path = "ticketbridge-state.json"
	}
}

func (c *Config) validate() error {
	if c.Helpdesk.BaseURL == "" {
		return errors.New("helpdesk.base_url is required")
	}
	if c.Cloud.BaseURL == "" {
		return errors.New("cloud.base_url is required")
	}
	if c.Broker.BaseURL == "" {
		return errors.New("broker.base_url is required")
	}
	switch c.State.Backend {
	case "file":
	case "postgres":
		if c.State.PostgresDSN == "" {
			return errors.New("state.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if len(c.Cloud.Brands) > 0 && (c.Cloud.BrandAPIID == "" || c.Cloud.BrandAPIKey == "") {
		return errors.New("cloud.brand_api_id and cloud.brand_api_key are required when brands are configured")
	}
	return nil
}
