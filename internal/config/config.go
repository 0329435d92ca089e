// Package config loads and validates the service configuration from YAML,
// with environment variable expansion for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/shopagent/internal/agent"
	"github.com/haasonsaas/shopagent/internal/auth"
	"github.com/haasonsaas/shopagent/internal/observability"
	"github.com/haasonsaas/shopagent/internal/protocol"
	"github.com/haasonsaas/shopagent/internal/ratelimit"
	"github.com/haasonsaas/shopagent/internal/session"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Logging   observability.LogConfig `yaml:"logging"`
	Protocol  protocol.Config         `yaml:"protocol"`
	Auth      auth.Config             `yaml:"auth"`
	Provider  ProviderConfig          `yaml:"provider"`
	Agent     agent.Config            `yaml:"agent"`
	Session   session.Config          `yaml:"session"`
	RateLimit ratelimit.Config        `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig selects and configures the language model provider.
type ProviderConfig struct {
	// Name is "openai" or "anthropic".
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   observability.LogConfig{Level: "info", Format: "json"},
		Protocol:  protocol.DefaultConfig(),
		Provider:  ProviderConfig{Name: "openai"},
		Agent:     agent.DefaultConfig(),
		Session:   session.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. Environment variable
// references ($VAR or ${VAR}) inside the file are expanded before parsing,
// so API keys and DSNs can stay out of the file itself.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Protocol.URL == "" {
		return fmt.Errorf("config: protocol.url is required")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}
	switch c.Session.Backend {
	case "memory":
	case "postgres":
		if c.Session.DSN == "" {
			return fmt.Errorf("config: session.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("config: session.ttl must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("config: rate_limit.limit and rate_limit.window must be positive")
	}
	return nil
}
