package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Logging   LoggingConfig         `yaml:"logging"`
	Providers ProvidersConfig       `yaml:"providers"`
	LLM       LLMConfig             `yaml:"llm"`
	Loop      LoopConfig            `yaml:"loop"`
	CI        CIConfig              `yaml:"ci"`
	Review    ReviewConfig          `yaml:"review"`
	CodeAgent CodeAgentConfig       `yaml:"code_agent"`
	Workspace WorkspaceConfig       `yaml:"workspace"`
	Runs      RunsConfig            `yaml:"runs"`
	Events    ServerEventsConfig    `yaml:"events"`
	Prompts   PromptsConfig         `yaml:"prompts"`
	Repos     map[string]RepoConfig `yaml:"repos"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ProvidersConfig holds git provider configurations.
type ProvidersConfig struct {
	Default string       `yaml:"default"`
	GitHub  GitHubConfig `yaml:"github"`
	GitLab  GitLabConfig `yaml:"gitlab"`
}

// GitHubConfig holds GitHub-specific settings.
type GitHubConfig struct {
	Token         string  `yaml:"token"`
	WebhookSecret string  `yaml:"webhook_secret"`
	BaseURL       string  `yaml:"base_url"`
	RateLimit     float64 `yaml:"rate_limit"`
	Burst         int     `yaml:"burst"`
}

// GitLabConfig holds GitLab-specific settings.
type GitLabConfig struct {
	Token         string  `yaml:"token"`
	WebhookSecret string  `yaml:"webhook_secret"`
	BaseURL       string  `yaml:"base_url"`
	RateLimit     float64 `yaml:"rate_limit"`
	Burst         int     `yaml:"burst"`
}

// LLMConfig selects and configures the model backend.
type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Proxy          string  `yaml:"proxy"`
	FolderID       string  `yaml:"folder_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	RateLimit      float64 `yaml:"rate_limit"`
}

// Timeout returns the per-request timeout for the backend.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoopConfig controls the iteration loop.
type LoopConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	BranchPrefix  string `yaml:"branch_prefix"`
	// SettingsTTLSeconds is how long a repository's merged settings are
	// reused before its config file is read again. Zero disables caching.
	SettingsTTLSeconds int `yaml:"settings_ttl_seconds"`
}

// SettingsTTL returns the settings cache lifetime.
func (c LoopConfig) SettingsTTL() time.Duration {
	return time.Duration(c.SettingsTTLSeconds) * time.Second
}

// CIConfig controls how runs wait for CI.
type CIConfig struct {
	Enabled             bool `yaml:"enabled"`
	FailFast            bool `yaml:"fail_fast"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	MaxWaitSeconds      int  `yaml:"max_wait_seconds"`
}

// PollInterval returns the configured poll cadence.
func (c CIConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxWait returns the configured wait ceiling.
func (c CIConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// ReviewConfig controls the reviewer agent.
type ReviewConfig struct {
	MaxDiffChars int `yaml:"max_diff_chars"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// CodeAgentConfig controls how patches are generated.
type CodeAgentConfig struct {
	Strategy       string `yaml:"strategy"`
	Image          string `yaml:"image"`
	AuthDir        string `yaml:"auth_dir"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	AuthorName     string `yaml:"author_name"`
	AuthorEmail    string `yaml:"author_email"`
	// Container limits; zero means unlimited.
	MemoryMB int64   `yaml:"memory_mb"`
	CPUs     float64 `yaml:"cpus"`
	Network  string  `yaml:"network"`
}

// WorkspaceConfig holds working copy settings.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// RunsConfig bounds concurrent runs.
type RunsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	QueueSize     int `yaml:"queue_size"`
}

// ServerEventsConfig controls which events are enabled at server level.
type ServerEventsConfig struct {
	IssueOpened     bool `yaml:"issue_opened"`
	PROpened        bool `yaml:"pr_opened"`
	PRUpdated       bool `yaml:"pr_updated"`
	Mention         bool `yaml:"mention"`
	DebounceSeconds int  `yaml:"debounce_seconds"`
}

// envVarPattern matches ${VAR_NAME} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 7000,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			Dir:           "/var/log/codeloop",
			RetentionDays: 30,
		},
		Providers: ProvidersConfig{
			Default: "github",
			GitHub:  GitHubConfig{RateLimit: 10, Burst: 5},
			GitLab:  GitLabConfig{RateLimit: 10, Burst: 5},
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
			MaxTokens:      4000,
			Temperature:    0.3,
			RateLimit:      2,
		},
		Loop: LoopConfig{
			MaxIterations:      5,
			BranchPrefix:       "issue-",
			SettingsTTLSeconds: 60,
		},
		CI: CIConfig{
			Enabled:             true,
			PollIntervalSeconds: 10,
			MaxWaitSeconds:      300,
		},
		Review: ReviewConfig{
			MaxDiffChars: 8000,
			MaxAttempts:  2,
		},
		CodeAgent: CodeAgentConfig{
			Strategy:       "model",
			TimeoutMinutes: 30,
			AuthorName:     "Code Agent",
			AuthorEmail:    "code-agent@codeloop.local",
		},
		Workspace: WorkspaceConfig{
			Dir: "/var/lib/codeloop/workspaces",
		},
		Runs: RunsConfig{
			MaxConcurrent: 5,
			QueueSize:     20,
		},
		Events: ServerEventsConfig{
			IssueOpened:     true,
			PROpened:        true,
			PRUpdated:       true,
			Mention:         true,
			DebounceSeconds: 10,
		},
	}
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse substitutes environment variables in data and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	data = envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.BranchPrefix == "" {
		return fmt.Errorf("loop.branch_prefix must not be empty")
	}
	if c.CI.Enabled {
		if c.CI.PollIntervalSeconds < 1 {
			return fmt.Errorf("ci.poll_interval_seconds must be at least 1, got %d", c.CI.PollIntervalSeconds)
		}
		if c.CI.MaxWaitSeconds < c.CI.PollIntervalSeconds {
			return fmt.Errorf("ci.max_wait_seconds (%d) must not be less than ci.poll_interval_seconds (%d)",
				c.CI.MaxWaitSeconds, c.CI.PollIntervalSeconds)
		}
	}
	if c.Review.MaxAttempts < 1 {
		return fmt.Errorf("review.max_attempts must be at least 1, got %d", c.Review.MaxAttempts)
	}
	switch c.CodeAgent.Strategy {
	case "model", "container":
	default:
		return fmt.Errorf("code_agent.strategy must be model or container, got %q", c.CodeAgent.Strategy)
	}
	if c.CodeAgent.Strategy == "container" && c.CodeAgent.Image == "" {
		return fmt.Errorf("code_agent.image is required for the container strategy")
	}
	if c.CodeAgent.MemoryMB < 0 || c.CodeAgent.CPUs < 0 {
		return fmt.Errorf("code_agent limits must not be negative")
	}
	if c.Runs.MaxConcurrent < 1 {
		return fmt.Errorf("runs.max_concurrent must be at least 1, got %d", c.Runs.MaxConcurrent)
	}
	return nil
}
