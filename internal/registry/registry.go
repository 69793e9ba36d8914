package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/provider/github"
	"github.com/drewdunne/codeloop/internal/provider/gitlab"
)

// ErrProviderNotConfigured indicates no credentials exist for a provider.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Registry manages provider instances.
type Registry struct {
	providers       map[string]provider.Provider
	defaultProvider string
}

// New creates a new provider registry from config. Every provider is wrapped
// in a throttle so concurrent runs share the host's rate budget.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		providers:       make(map[string]provider.Provider),
		defaultProvider: cfg.Providers.Default,
	}

	if gh := cfg.Providers.GitHub; gh.Token != "" {
		var opts []github.Option
		if gh.BaseURL != "" {
			opts = append(opts, github.WithBaseURL(gh.BaseURL))
		}
		r.providers["github"] = provider.NewThrottled(github.New(gh.Token, opts...), gh.RateLimit, gh.Burst)
	}

	if gl := cfg.Providers.GitLab; gl.Token != "" {
		var opts []gitlab.Option
		if gl.BaseURL != "" {
			opts = append(opts, gitlab.WithBaseURL(gl.BaseURL))
		}
		r.providers["gitlab"] = provider.NewThrottled(gitlab.New(gl.Token, opts...), gl.RateLimit, gl.Burst)
	}

	return r
}

// NewStatic creates a registry from existing providers, keyed by Name().
func NewStatic(defaultProvider string, providers ...provider.Provider) *Registry {
	r := &Registry{
		providers:       make(map[string]provider.Provider),
		defaultProvider: defaultProvider,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider for the given name, or nil if not configured.
func (r *Registry) Get(name string) provider.Provider {
	return r.providers[name]
}

// Resolve parses a repository reference and returns it with its provider.
func (r *Registry) Resolve(ref string) (provider.Repo, provider.Provider, error) {
	repo, err := provider.ParseRepo(ref, r.defaultProvider)
	if err != nil {
		return provider.Repo{}, nil, err
	}
	p := r.providers[repo.Provider]
	if p == nil {
		return provider.Repo{}, nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, repo.Provider)
	}
	return repo, p, nil
}

// List returns all configured provider names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
