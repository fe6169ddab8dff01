// Package config provides configuration loading and management for the
// SpecFlow orchestration engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	NATS          NATSConfig          `yaml:"nats"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Transcript    TranscriptConfig    `yaml:"transcript"`
}

// AgentConfig configures how the external agent CLI is invoked.
type AgentConfig struct {
	// Binary is the agent executable (resolved via PATH when not absolute).
	Binary string `yaml:"binary"`
	// DisallowedTools are agent tools disabled on every invocation. The
	// interactive question tool stays disabled so questions arrive in the
	// structured output instead of blocking the subprocess.
	DisallowedTools []string `yaml:"disallowed_tools"`
	// Timeout is the maximum duration of a single invocation.
	Timeout time.Duration `yaml:"timeout"`
	// CancelGrace is how long to wait after SIGTERM before SIGKILL.
	CancelGrace time.Duration `yaml:"cancel_grace"`
	// SessionDiscoveryWait bounds how long to watch for the session
	// transcript to appear after the subprocess starts.
	SessionDiscoveryWait time.Duration `yaml:"session_discovery_wait"`
	// SessionDiscoveryPoll is the fallback polling cadence during discovery.
	SessionDiscoveryPoll time.Duration `yaml:"session_discovery_poll"`
	// MaxQuestions caps the questions accepted from one invocation.
	MaxQuestions int `yaml:"max_questions"`
}

// NATSConfig configures the event bus connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// OrchestrationConfig holds defaults for new orchestration runs. Each run
// copies these into its own immutable config at start.
type OrchestrationConfig struct {
	// AutoHealEnabled turns on the batch auto-healer.
	AutoHealEnabled bool `yaml:"auto_heal_enabled"`
	// MaxHealAttempts bounds heal retries per batch (0-5).
	MaxHealAttempts int `yaml:"max_heal_attempts"`
	// BatchSizeFallback is the chunk size used when the task document has
	// no usable sections.
	BatchSizeFallback int `yaml:"batch_size_fallback"`
	// Budget caps cumulative agent spend.
	Budget BudgetConfig `yaml:"budget"`
}

// BudgetConfig caps agent spend in USD. Zero means uncapped.
type BudgetConfig struct {
	MaxPerBatch    float64 `yaml:"max_per_batch"`
	MaxTotal       float64 `yaml:"max_total"`
	HealingBudget  float64 `yaml:"healing_budget"`
	DecisionBudget float64 `yaml:"decision_budget"`
}

// TranscriptConfig configures transcript discovery and tailing.
type TranscriptConfig struct {
	// Root is the directory under which the agent writes per-project
	// transcript directories (default: ~/.specflow-agent/projects).
	Root string `yaml:"root"`
	// PollInterval is the tail-follow polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`
	// EditorTools are glob patterns matching tool names that modify files.
	EditorTools []string `yaml:"editor_tools"`
	// StaleAfter is the idle threshold after which a running workflow with
	// no transcript activity is marked stale.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Binary:               "specflow-agent",
			DisallowedTools:      []string{"AskUserQuestion"},
			Timeout:              10 * time.Minute,
			CancelGrace:          5 * time.Second,
			SessionDiscoveryWait: 10 * time.Second,
			SessionDiscoveryPoll: 500 * time.Millisecond,
			MaxQuestions:         50,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Orchestration: OrchestrationConfig{
			AutoHealEnabled:   true,
			MaxHealAttempts:   1,
			BatchSizeFallback: 15,
		},
		Transcript: TranscriptConfig{
			Root:         "",
			PollInterval: time.Second,
			EditorTools:  []string{"Write", "Edit", "MultiEdit", "NotebookEdit"},
			StaleAfter:   15 * time.Minute,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.Agent.MaxQuestions <= 0 {
		return fmt.Errorf("agent.max_questions must be positive")
	}
	if c.Orchestration.MaxHealAttempts < 0 || c.Orchestration.MaxHealAttempts > 5 {
		return fmt.Errorf("orchestration.max_heal_attempts must be between 0 and 5")
	}
	if c.Orchestration.BatchSizeFallback <= 0 {
		return fmt.Errorf("orchestration.batch_size_fallback must be positive")
	}
	if c.Transcript.PollInterval <= 0 {
		return fmt.Errorf("transcript.poll_interval must be positive")
	}
	if c.Transcript.StaleAfter <= 0 {
		return fmt.Errorf("transcript.stale_after must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// Load loads the per-user configuration from ~/.specflow/config.yaml.
// A missing file yields the defaults; a malformed file is an error.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFromFile(path)
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// DefaultPath returns the per-user config file path under HOME.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".specflow", "config.yaml"), nil
}

// TranscriptRoot resolves the transcript root directory, defaulting to
// ~/.specflow-agent/projects when unconfigured.
func (c *Config) TranscriptRoot() (string, error) {
	if c.Transcript.Root != "" {
		return c.Transcript.Root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".specflow-agent", "projects"), nil
}
