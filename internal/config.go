package internal

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/AYCHIT/Aych.Gitjira/pkg/queue"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
	} `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	GitHub   GitHubConfig   `yaml:"github"`
	Jira     JiraConfig     `yaml:"jira"`
	Queue    queue.Config   `yaml:"queue"`
	Verifier VerifierConfig `yaml:"verifier"`
	Rules    []Rule         `yaml:"rules"`
	// RulesStrict skips a push when any rule fails to evaluate.
	RulesStrict bool `yaml:"rules_strict"`
}

// StorageConfig configures the credential and subscription tables.
type StorageConfig struct {
	Driver             string `yaml:"driver"`
	DSN                string `yaml:"dsn"`
	Dialect            string `yaml:"dialect"`
	AutoMigrate        bool   `yaml:"auto_migrate"`
	InstallationsTable string `yaml:"installations_table"`
	SubscriptionsTable string `yaml:"subscriptions_table"`
	// Secret derives the key that seals shared secrets at rest.
	Secret string `yaml:"secret"`
}

// GitHubConfig holds the GitHub App identity and webhook endpoint.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKey     string `yaml:"private_key"`
	WebhookSecret  string `yaml:"webhook_secret"`
	BaseURL        string `yaml:"base_url"`
	Path           string `yaml:"path"`
}

// JiraConfig holds the Connect app identity and tracker call settings.
type JiraConfig struct {
	AppKey    string `yaml:"app_key"`
	TimeoutMS int64  `yaml:"timeout_ms"`
	ChunkSize int    `yaml:"chunk_size"`
}

// VerifierConfig schedules the installation health verifier. Zero disables it.
type VerifierConfig struct {
	IntervalMinutes int64 `yaml:"interval_minutes"`
}

// RulesConfig represents the rule-specific parts of the configuration.
type RulesConfig struct {
	Rules  []Rule `yaml:"rules"`
	Strict bool   `yaml:"rules_strict"`
	Logger *log.Logger
}

// RulesConfig returns the push rule settings bound to logger.
func (c Config) RulesConfig(logger *log.Logger) RulesConfig {
	return RulesConfig{Rules: c.Rules, Strict: c.RulesStrict, Logger: logger}
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables, applies defaults, and normalizes rules.
// STORAGE_SECRET fills storage.secret when the file leaves it empty.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg)
	if strings.TrimSpace(cfg.Storage.Secret) == "" {
		return cfg, errors.New("storage.secret (STORAGE_SECRET) is required")
	}
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Storage.InstallationsTable == "" {
		cfg.Storage.InstallationsTable = "gitjira_installations"
	}
	if cfg.Storage.SubscriptionsTable == "" {
		cfg.Storage.SubscriptionsTable = "gitjira_subscriptions"
	}
	if cfg.Storage.Secret == "" {
		cfg.Storage.Secret = os.Getenv("STORAGE_SECRET")
	}
	if cfg.GitHub.Path == "" {
		cfg.GitHub.Path = "/github/events"
	}
	if cfg.Jira.TimeoutMS == 0 {
		cfg.Jira.TimeoutMS = 30000
	}
	if cfg.Verifier.IntervalMinutes < 0 {
		cfg.Verifier.IntervalMinutes = 0
	}
	cfg.Queue.ApplyDefaults()
}
