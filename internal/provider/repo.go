package provider

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRepo indicates a repository reference could not be parsed.
var ErrInvalidRepo = errors.New("invalid repository reference")

// Repo identifies a repository on a host.
type Repo struct {
	Provider string
	Owner    string // GitLab groups may contain slashes
	Name     string
}

// FullName returns owner/name.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r Repo) String() string {
	return r.Provider + ":" + r.FullName()
}

// Key identifies the repository for deduplication. GitHub matches owner
// and name case-insensitively, so those are folded.
func (r Repo) Key() string {
	if r.Provider == "github" {
		return r.Provider + ":" + strings.ToLower(r.FullName())
	}
	return r.String()
}

var hostProviders = map[string]string{
	"github.com": "github",
	"gitlab.com": "gitlab",
}

// ParseRepo accepts owner/repo, host URLs with or without a scheme,
// scp-style git remotes, and provider-prefixed paths like gitlab:group/project.
// Bare owner/repo resolves to defaultProvider.
func ParseRepo(ref, defaultProvider string) (Repo, error) {
	s := strings.TrimSpace(ref)
	if s == "" {
		return Repo{}, fmt.Errorf("%w: empty", ErrInvalidRepo)
	}

	provider := defaultProvider
	if provider == "" {
		provider = "github"
	}
	for _, name := range []string{"github", "gitlab"} {
		if strings.HasPrefix(s, name+":") && !strings.HasPrefix(s, name+"://") {
			return splitPath(name, strings.TrimPrefix(s, name+":"), ref)
		}
	}

	// git@github.com:owner/repo.git
	if strings.HasPrefix(s, "git@") {
		host, path, ok := strings.Cut(strings.TrimPrefix(s, "git@"), ":")
		if !ok {
			return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
		}
		p, ok := providerForHost(host)
		if !ok {
			return Repo{}, fmt.Errorf("%w: unsupported host %q", ErrInvalidRepo, host)
		}
		return splitPath(p, path, ref)
	}

	hasScheme := strings.Contains(s, "://")
	if !hasScheme {
		first, _, _ := strings.Cut(s, "/")
		if _, ok := providerForHost(first); ok {
			s = "https://" + s
			hasScheme = true
		}
	}

	if hasScheme {
		u, err := url.Parse(s)
		if err != nil {
			return Repo{}, fmt.Errorf("%w: %q: %v", ErrInvalidRepo, ref, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Repo{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepo, u.Scheme)
		}
		p, ok := providerForHost(u.Host)
		if !ok {
			return Repo{}, fmt.Errorf("%w: unsupported host %q", ErrInvalidRepo, u.Host)
		}
		path := strings.Trim(u.Path, "/")
		switch p {
		case "github":
			// Drop /tree/..., /pull/... and similar suffixes.
			parts := strings.Split(path, "/")
			if len(parts) < 2 {
				return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
			}
			path = parts[0] + "/" + parts[1]
		case "gitlab":
			// GitLab separates the project path from sub-pages with /-/.
			path, _, _ = strings.Cut(path, "/-/")
		}
		return splitPath(p, path, ref)
	}

	return splitPath(provider, s, ref)
}

func providerForHost(host string) (string, bool) {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	p, ok := hostProviders[host]
	return p, ok
}

func splitPath(provider, path, ref string) (Repo, error) {
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
	}
	owner, name := path[:idx], path[idx+1:]
	if provider == "github" && strings.Contains(owner, "/") {
		return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
	}
	for _, part := range strings.Split(path, "/") {
		if !validSegment(part) {
			return Repo{}, fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
		}
	}
	return Repo{Provider: provider, Owner: owner, Name: name}, nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
