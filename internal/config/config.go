// Package config loads the overseer configuration from config.yaml under
// the home directory, with environment-variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/okapi-ai/overseer/internal/otel"
)

// QueueConfig tunes the task distribution layer. envconfig prefixes nested
// keys with the parent field name, so Concurrency is OVERSEER_QUEUE_CONCURRENCY.
type QueueConfig struct {
	Concurrency          int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	PollInterval         time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	ProcessingTimeout    time.Duration `yaml:"processing_timeout" envconfig:"PROCESSING_TIMEOUT"`
	MaxAttempts          int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" envconfig:"RETRY_BASE_DELAY"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay" envconfig:"RETRY_MAX_DELAY"`
	MaxQueueDepth        int           `yaml:"max_queue_depth" envconfig:"MAX_DEPTH"` // 0 = unlimited
	PriorityAgeThreshold time.Duration `yaml:"priority_age_threshold"`
	PriorityCap          int           `yaml:"priority_cap"`
}

// RunnerConfig tunes the agent run loop.
type RunnerConfig struct {
	MaxIterations int           `yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`
	ToolTimeout   time.Duration `yaml:"tool_timeout" envconfig:"TOOL_TIMEOUT"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MemoryRecallK int           `yaml:"memory_recall_k"`
}

// ApprovalConfig tunes the approval workflow.
type ApprovalConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl" envconfig:"DEFAULT_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
}

// PolicyBackendConfig configures an optional remote policy backend.
type PolicyBackendConfig struct {
	URL      string        `yaml:"url" envconfig:"URL"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	FailOpen bool          `yaml:"fail_open" envconfig:"FAIL_OPEN"`
}

// WorkflowConfig configures the optional external durable-workflow engine.
type WorkflowConfig struct {
	Enabled bool     `yaml:"enabled" envconfig:"ENABLED"`
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"TOPIC"`
	GroupID string   `yaml:"group_id" envconfig:"GROUP_ID"`
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path" envconfig:"DB_PATH"`
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Quiet    bool   `yaml:"quiet"`

	PolicyPath string `yaml:"policy_path" envconfig:"POLICY_PATH"`

	Queue    QueueConfig    `yaml:"queue"`
	Runner   RunnerConfig   `yaml:"runner"`
	Approval ApprovalConfig `yaml:"approval"`

	PolicyBackend        PolicyBackendConfig `yaml:"policy_backend" envconfig:"POLICY_BACKEND"`
	RelationshipBackend  PolicyBackendConfig `yaml:"relationship_backend" envconfig:"RELATIONSHIP_BACKEND"`
	Workflow             WorkflowConfig      `yaml:"workflow"`
	Otel                 otel.Config         `yaml:"otel"`
	CronInterval         time.Duration       `yaml:"cron_interval" envconfig:"CRON_INTERVAL"`
	ConversationHistoryN int                 `yaml:"conversation_history_n" envconfig:"CONVERSATION_HISTORY_N"`
}

// DefaultHomeDir returns ~/.overseer, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".overseer")
}

// Default returns the configuration defaults applied before file and env.
func Default(homeDir string) Config {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	return Config{
		HomeDir:    homeDir,
		DBPath:     filepath.Join(homeDir, "overseer.db"),
		LogLevel:   "info",
		PolicyPath: filepath.Join(homeDir, "policy.yaml"),
		Queue: QueueConfig{
			Concurrency:          4,
			PollInterval:         time.Second,
			ProcessingTimeout:    10 * time.Minute,
			MaxAttempts:          3,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        30 * time.Second,
			PriorityAgeThreshold: 30 * time.Second,
			PriorityCap:          10,
		},
		Runner: RunnerConfig{
			MaxIterations: 10,
			ToolTimeout:   60 * time.Second,
			Temperature:   0.7,
			MaxTokens:     4096,
			MemoryRecallK: 5,
		},
		Approval: ApprovalConfig{
			DefaultTTL:    30 * time.Minute,
			SweepInterval: time.Minute,
		},
		PolicyBackend:        PolicyBackendConfig{Timeout: 5 * time.Second},
		RelationshipBackend:  PolicyBackendConfig{Timeout: 5 * time.Second},
		Workflow:             WorkflowConfig{Topic: "overseer.tasks", GroupID: "overseer-workers"},
		CronInterval:         time.Minute,
		ConversationHistoryN: 50,
	}
}

// Load reads config.yaml from homeDir (missing file is not an error) and
// applies OVERSEER_* environment overrides.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	path := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply.
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	homeDir = cfg.HomeDir
	if err := envconfig.Process("overseer", &cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}
	cfg.HomeDir = homeDir
	return cfg, nil
}
