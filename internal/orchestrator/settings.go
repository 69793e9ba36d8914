package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/provider"
)

// maxCachedRepos bounds the settings cache; each entry costs 1.
const maxCachedRepos = 1024

// RepoSettings merges the server config with each repository's own
// .codeloop/config.yaml, read from its default branch. Merged settings are
// reused for cfg.Loop.SettingsTTL.
type RepoSettings struct {
	cfg   *config.Config
	host  provider.Provider
	ttl   time.Duration
	cache *ristretto.Cache[string, config.Settings]
}

// NewRepoSettings creates a SettingsSource reading repository files from host.
func NewRepoSettings(cfg *config.Config, host provider.Provider) *RepoSettings {
	s := &RepoSettings{cfg: cfg, host: host, ttl: cfg.Loop.SettingsTTL()}
	if s.ttl <= 0 {
		return s
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, config.Settings]{
		NumCounters: maxCachedRepos * 10,
		MaxCost:     maxCachedRepos,
		BufferItems: 64,
	})
	if err == nil {
		s.cache = cache
	}
	return s
}

// Settings implements SettingsSource.
func (s *RepoSettings) Settings(ctx context.Context, repo provider.Repo) (*config.Settings, error) {
	key := repo.String()
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return &cached, nil
		}
	}

	rc, err := config.LoadRepoConfig(ctx, notFoundReader{s.host}, repo.Owner, repo.Name, "")
	if err != nil {
		return nil, err
	}
	merged := config.MergeConfigs(s.cfg, repo.FullName(), rc)
	if s.cache != nil {
		s.cache.SetWithTTL(key, *merged, 1, s.ttl)
	}
	return merged, nil
}

// Close releases the cache.
func (s *RepoSettings) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// notFoundReader reports a missing file the way config expects.
type notFoundReader struct {
	host provider.Provider
}

func (r notFoundReader) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	data, err := r.host.ReadFile(ctx, owner, repo, path, ref)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, config.ErrConfigNotFound
	}
	return data, err
}

// StaticSettings returns the same settings for every repository.
type StaticSettings config.Settings

// Settings implements SettingsSource.
func (s *StaticSettings) Settings(context.Context, provider.Repo) (*config.Settings, error) {
	out := config.Settings(*s)
	return &out, nil
}
