package config

import "time"

// Settings are the effective loop settings for one repository after
// merging server defaults with repository overrides.
type Settings struct {
	MaxIterations int
	BranchPrefix  string
	CIEnabled     bool
	FailFast      bool
	PollInterval  time.Duration
	MaxWait       time.Duration
	Prompts       PromptsConfig
}

// MergeConfigs merges server config with repo config.
// Repo values take precedence: server-side overrides under repos: are applied
// first, then the repository's own file. Overrides that would make the loop
// unrunnable are ignored.
func MergeConfigs(server *Config, repoName string, repo *RepoConfig) *Settings {
	s := &Settings{
		MaxIterations: server.Loop.MaxIterations,
		BranchPrefix:  server.Loop.BranchPrefix,
		CIEnabled:     server.CI.Enabled,
		FailFast:      server.CI.FailFast,
		PollInterval:  server.CI.PollInterval(),
		MaxWait:       server.CI.MaxWait(),
		Prompts:       server.Prompts,
	}

	if override, ok := server.Repos[repoName]; ok {
		s.apply(&override)
	}
	if repo != nil {
		s.apply(repo)
	}
	if s.MaxWait < s.PollInterval {
		s.MaxWait = s.PollInterval
	}
	return s
}

func (s *Settings) apply(r *RepoConfig) {
	if v := r.Loop.MaxIterations; v != nil && *v >= 1 {
		s.MaxIterations = *v
	}
	if v := r.CI.Enabled; v != nil {
		s.CIEnabled = *v
	}
	if v := r.CI.FailFast; v != nil {
		s.FailFast = *v
	}
	if v := r.CI.PollIntervalSeconds; v != nil && *v >= 1 {
		s.PollInterval = time.Duration(*v) * time.Second
	}
	if v := r.CI.MaxWaitSeconds; v != nil && *v >= 1 {
		s.MaxWait = time.Duration(*v) * time.Second
	}
	s.Prompts.CodeAgent = coalesce(r.Prompts.CodeAgent, s.Prompts.CodeAgent)
	s.Prompts.Reviewer = coalesce(r.Prompts.Reviewer, s.Prompts.Reviewer)
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
