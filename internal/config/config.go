// Package config provides configuration management for Forgeline.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the Forgeline server and CLI.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string `envconfig:"FORGELINE_ADDR" default:":7080"`

	// ServerURL is where CLI client commands reach the server.
	ServerURL string `envconfig:"FORGELINE_SERVER" default:"http://localhost:7080"`

	// DataDir is the directory for persistent data (SQLite DB, config file).
	DataDir string `envconfig:"FORGELINE_DATA_DIR"`

	// DatabaseURL selects PostgreSQL when it starts with postgres://.
	// Empty means SQLite at DataDir/forgeline.db.
	DatabaseURL string `envconfig:"FORGELINE_DATABASE_URL"`

	LogLevel  string `envconfig:"FORGELINE_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"FORGELINE_LOG_FORMAT" default:"console"` // "console" or "json"

	// LLM provider API keys. Anthropic is preferred when both are set.
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	// LLMModel is the generation model; ClassifierModel is the cheaper
	// model used for ambiguous commands.
	LLMModel        string `envconfig:"FORGELINE_LLM_MODEL"`
	ClassifierModel string `envconfig:"FORGELINE_CLASSIFIER_MODEL"`

	// GitHubToken authenticates repository imports (optional for public repos).
	GitHubToken string `envconfig:"GITHUB_TOKEN"`

	// RedisURL enables the shared classifier cache.
	RedisURL string `envconfig:"FORGELINE_REDIS_URL"`

	// ClassifierRules is an optional YAML rules file replacing the built-in rules.
	ClassifierRules    string        `envconfig:"FORGELINE_CLASSIFIER_RULES"`
	ClassifierCacheTTL time.Duration `envconfig:"FORGELINE_CLASSIFIER_CACHE_TTL" default:"24h"`

	// MinIO snapshot archive (optional).
	MinIOEndpoint  string `envconfig:"FORGELINE_MINIO_ENDPOINT"`
	MinIOAccessKey string `envconfig:"FORGELINE_MINIO_ACCESS_KEY"`
	MinIOSecretKey string `envconfig:"FORGELINE_MINIO_SECRET_KEY"`
	MinIOBucket    string `envconfig:"FORGELINE_MINIO_BUCKET" default:"forgeline"`
	MinIOUseSSL    bool   `envconfig:"FORGELINE_MINIO_USE_SSL" default:"false"`

	// SandboxProvider is "docker" (CLI) or "moby" (Engine API).
	SandboxProvider   string        `envconfig:"FORGELINE_SANDBOX_PROVIDER" default:"docker"`
	DockerImage       string        `envconfig:"FORGELINE_DOCKER_IMAGE" default:"forgeline-sandbox"`
	DockerNetwork     string        `envconfig:"FORGELINE_DOCKER_NETWORK" default:"forgeline-net"`
	SandboxEnv        []string      `envconfig:"FORGELINE_SANDBOX_ENV"`
	SandboxExpiry     time.Duration `envconfig:"FORGELINE_SANDBOX_EXPIRY" default:"15m"`
	SandboxSweep      time.Duration `envconfig:"FORGELINE_SANDBOX_SWEEP" default:"30s"`
	ProvisionAttempts int           `envconfig:"FORGELINE_PROVISION_ATTEMPTS" default:"3"`
	InstallTimeout    time.Duration `envconfig:"FORGELINE_INSTALL_TIMEOUT" default:"5m"`
	StartTimeout      time.Duration `envconfig:"FORGELINE_START_TIMEOUT" default:"30s"`
	SandboxMemoryMB   int           `envconfig:"FORGELINE_SANDBOX_MEMORY_MB" default:"2048"`
	SandboxCPUs       int           `envconfig:"FORGELINE_SANDBOX_CPUS" default:"2"`
	SandboxPidsLimit  int           `envconfig:"FORGELINE_SANDBOX_PIDS_LIMIT" default:"512"`

	// Pipeline tuning.
	GenerateTimeout  time.Duration `envconfig:"FORGELINE_GENERATE_TIMEOUT" default:"3m"`
	GenerateAttempts int           `envconfig:"FORGELINE_GENERATE_ATTEMPTS" default:"2"`
	MaxRebase        int           `envconfig:"FORGELINE_MAX_REBASE" default:"3"`
	StepTimeout      time.Duration `envconfig:"FORGELINE_STEP_TIMEOUT" default:"0"`

	// Context builder budgets.
	ContextMaxFiles      int `envconfig:"FORGELINE_CONTEXT_MAX_FILES" default:"8"`
	ContextMaxTotalChars int `envconfig:"FORGELINE_CONTEXT_MAX_TOTAL_CHARS" default:"40000"`

	// Slack integration (optional -- Socket Mode).
	// SlackBotToken is the Bot User OAuth Token (xoxb-...).
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN"`
	// SlackAppToken is the App-Level Token (xapp-...) required for Socket Mode.
	SlackAppToken string `envconfig:"SLACK_APP_TOKEN"`
	// SlackDefaultProject is the fallback project when --project is not specified.
	SlackDefaultProject string `envconfig:"SLACK_DEFAULT_PROJECT"`

	// Telegram integration (optional -- long polling, no public URL needed).
	TelegramBotToken       string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramDefaultProject string `envconfig:"TELEGRAM_DEFAULT_PROJECT"`
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// godotenv.Load never overrides variables already in the environment.
	if path := FilePath(); fileExists(path) {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &cfg, nil
}

// DatabaseDSN returns the store DSN: DatabaseURL when set, otherwise the
// SQLite file inside DataDir.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDir, "forgeline.db")
}

// Validate checks that configuration required by the server is present.
func (c *Config) Validate() error {
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("at least one of ANTHROPIC_API_KEY or OPENAI_API_KEY is required")
	}
	switch c.SandboxProvider {
	case "docker", "moby":
	default:
		return fmt.Errorf("FORGELINE_SANDBOX_PROVIDER must be \"docker\" or \"moby\", got %q", c.SandboxProvider)
	}
	if c.MaxRebase < 0 {
		return fmt.Errorf("FORGELINE_MAX_REBASE must not be negative")
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// MinIOEnabled returns true if the snapshot archive is configured.
func (c *Config) MinIOEnabled() bool {
	return c.MinIOEndpoint != ""
}

// DefaultDataDir returns FORGELINE_DATA_DIR or ~/.forgeline.
func DefaultDataDir() string {
	if v := os.Getenv("FORGELINE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forgeline"
	}
	return filepath.Join(home, ".forgeline")
}

// FilePath returns the config file location.
func FilePath() string {
	return filepath.Join(DefaultDataDir(), "config.env")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
