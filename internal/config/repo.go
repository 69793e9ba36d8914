package config

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RepoConfigPath is where a repository keeps its own overrides.
const RepoConfigPath = ".codeloop/config.yaml"

// ErrConfigNotFound indicates the repo config file doesn't exist.
var ErrConfigNotFound = errors.New("config not found")

// RepoConfig represents repository-level configuration.
// Nil pointer fields inherit the server value.
type RepoConfig struct {
	Loop    RepoLoopConfig `yaml:"loop"`
	CI      RepoCIConfig   `yaml:"ci"`
	Prompts PromptsConfig  `yaml:"prompts"`
}

// RepoLoopConfig overrides loop settings.
type RepoLoopConfig struct {
	MaxIterations *int `yaml:"max_iterations"`
}

// RepoCIConfig overrides CI settings.
type RepoCIConfig struct {
	Enabled             *bool `yaml:"enabled"`
	FailFast            *bool `yaml:"fail_fast"`
	PollIntervalSeconds *int  `yaml:"poll_interval_seconds"`
	MaxWaitSeconds      *int  `yaml:"max_wait_seconds"`
}

// PromptsConfig holds extra instructions appended to the agent prompts.
type PromptsConfig struct {
	CodeAgent string `yaml:"code_agent"`
	Reviewer  string `yaml:"reviewer"`
}

// FileReader reads files from a repository.
type FileReader interface {
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// LoadRepoConfig loads the repo config from .codeloop/config.yaml.
func LoadRepoConfig(ctx context.Context, reader FileReader, owner, repo, ref string) (*RepoConfig, error) {
	data, err := reader.ReadFile(ctx, owner, repo, RepoConfigPath, ref)
	if errors.Is(err, ErrConfigNotFound) {
		return &RepoConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading repo config: %w", err)
	}

	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing repo config: %w", err)
	}

	return &cfg, nil
}
