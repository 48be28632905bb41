package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	OpsAddr     string `envconfig:"OPS_ADDR" default:":9090"` // metrics and probes

	// Storage
	DBPath string `envconfig:"DB_PATH" default:"stageflow.db"`

	// API auth. "none" suits local development; deployments set "api-key"
	// or "jwt".
	AuthMode  string `envconfig:"AUTH_MODE" default:"none"`
	APIKey    string `envconfig:"API_KEY"`
	JWTSecret string `envconfig:"JWT_SECRET"`

	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"`

	// Scoring capability
	AnthropicAPIKey string        `envconfig:"ANTHROPIC_API_KEY"`
	DefaultProvider string        `envconfig:"DEFAULT_PROVIDER" default:"anthropic"`
	DefaultModel    string        `envconfig:"DEFAULT_MODEL" default:"claude-sonnet-4-5"`
	ScoringTimeout  time.Duration `envconfig:"SCORING_TIMEOUT" default:"120s"`

	// Project defaults
	DefaultBudgetUSD float64 `envconfig:"DEFAULT_BUDGET_USD" default:"50"`

	// Collaboration
	ConflictTimeout time.Duration `envconfig:"CONFLICT_TIMEOUT" default:"5m"`

	// Slack notifications are optional, the engine runs without them
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL"`
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// ScoringEnabled returns true when a capability key is configured. Without
// one the server starts but content submission fails at the scoring call.
func (c *Config) ScoringEnabled() bool {
	return c.AnthropicAPIKey != ""
}

// Validate catches configurations that would only fail at request time.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("AUTH_MODE=api-key requires API_KEY")
		}
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires JWT_SECRET")
		}
	case "none":
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}
	if c.ConflictTimeout <= 0 {
		return fmt.Errorf("CONFLICT_TIMEOUT must be positive")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
