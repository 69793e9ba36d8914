// Package workspace manages per-run git working copies.
//
// Each run gets its own checkout under <dir>/<owner>/<repo>/<branch>, so
// concurrent runs on different issues never share a working tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

const remoteName = "origin"

// Checkout describes the working copy a run needs.
type Checkout struct {
	Owner         string
	Repo          string
	CloneURL      string
	DefaultBranch string
	Branch        string
	Username      string
	Token         string
}

func (c Checkout) auth() transport.AuthMethod {
	if c.Token == "" {
		return nil
	}
	user := c.Username
	if user == "" {
		user = "git"
	}
	return &githttp.BasicAuth{Username: user, Password: c.Token}
}

// Workspace creates working copies under a base directory.
type Workspace struct {
	baseDir string
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Workspace) {
		w.logger = l
	}
}

// New creates a Workspace rooted at baseDir.
func New(baseDir string, opts ...Option) *Workspace {
	w := &Workspace{
		baseDir: baseDir,
		logger:  zap.NewNop(),
		locks:   map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns where the working copy for c lives.
func (w *Workspace) Path(c Checkout) string {
	return filepath.Join(w.baseDir, c.Owner, c.Repo, c.Branch)
}

func (w *Workspace) lock(path string) func() {
	w.mu.Lock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Prepare clones or fetches the repository and checks out c.Branch. The
// branch is reset to its remote head when one exists, otherwise to the
// default branch. Untracked files from earlier passes are removed.
func (w *Workspace) Prepare(ctx context.Context, c Checkout) (*Tree, error) {
	if c.Branch == "" {
		return nil, fmt.Errorf("branch is required")
	}
	path := w.Path(c)
	unlock := w.lock(path)
	defer unlock()

	log := w.logger.With(zap.String("repo", c.Owner+"/"+c.Repo), zap.String("branch", c.Branch))

	repo, err := git.PlainOpen(path)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
		log.Info("cloning repository", zap.String("path", path))
		repo, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:        c.CloneURL,
			Auth:       c.auth(),
			RemoteName: remoteName,
		})
		if err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("cloning repo: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("opening repo: %w", err)
	default:
		log.Debug("fetching repository")
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: remoteName,
			Auth:       c.auth(),
			RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
			Force:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("fetching repo: %w", err)
		}
	}

	base, err := startPoint(repo, c)
	if err != nil {
		return nil, err
	}

	branchRef := plumbing.NewBranchReferenceName(c.Branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, base)); err != nil {
		return nil, fmt.Errorf("setting branch %s: %w", c.Branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", c.Branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: base, Mode: git.HardReset}); err != nil {
		return nil, fmt.Errorf("resetting %s: %w", c.Branch, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return nil, fmt.Errorf("cleaning worktree: %w", err)
	}

	return &Tree{
		dir:      path,
		branch:   c.Branch,
		checkout: c,
		repo:     repo,
		worktree: wt,
		base:     base,
		logger:   log,
	}, nil
}

// startPoint returns the remote head of c.Branch, or of the default branch
// when the working branch has not been pushed yet.
func startPoint(repo *git.Repository, c Checkout) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, c.Branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("resolving %s: %w", c.Branch, err)
	}

	def := c.DefaultBranch
	if def == "" {
		def = "main"
	}
	ref, err = repo.Reference(plumbing.NewRemoteReferenceName(remoteName, def), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving default branch %s: %w", def, err)
	}
	return ref.Hash(), nil
}
