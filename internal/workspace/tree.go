package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// ErrInvalidChange indicates a change that cannot be applied.
var ErrInvalidChange = errors.New("invalid change")

// Operation is what a Change does to its file.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Change is one file edit. A modify with LineStart and LineEnd (1-based,
// inclusive) replaces that range with Content; otherwise Content replaces
// the whole file.
type Change struct {
	Path      string    `json:"file_path"`
	Operation Operation `json:"operation"`
	Content   string    `json:"content,omitempty"`
	LineStart int       `json:"line_start,omitempty"`
	LineEnd   int       `json:"line_end,omitempty"`
}

// Author identifies who commits.
type Author struct {
	Name  string
	Email string
}

// Tree is a prepared working copy on the run's branch.
type Tree struct {
	dir      string
	branch   string
	checkout Checkout
	repo     *git.Repository
	worktree *git.Worktree
	base     plumbing.Hash
	logger   *zap.Logger
}

// Dir returns the working copy root.
func (t *Tree) Dir() string { return t.dir }

// Branch returns the checked out branch.
func (t *Tree) Branch() string { return t.branch }

// Base returns the commit the branch was reset to.
func (t *Tree) Base() string { return t.base.String() }

// resolve maps a repository-relative path into the working copy, refusing
// anything that would escape it or touch .git.
func (t *Tree) resolve(rel string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(rel, "/")))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidChange)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", fmt.Errorf("%w: %s is inside .git", ErrInvalidChange, rel)
	}
	full, err := securejoin.SecureJoin(t.dir, clean)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidChange, rel, err)
	}
	if full != t.dir && !strings.HasPrefix(full, t.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the working copy", ErrInvalidChange, rel)
	}
	return full, nil
}

// Apply writes changes to the working copy in order.
func (t *Tree) Apply(changes []Change) error {
	for _, c := range changes {
		full, err := t.resolve(c.Path)
		if err != nil {
			return err
		}
		switch c.Operation {
		case OpDelete:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("deleting %s: %w", c.Path, err)
			}
		case OpCreate:
			if err := writeFile(full, []byte(c.Content)); err != nil {
				return fmt.Errorf("creating %s: %w", c.Path, err)
			}
		case OpModify:
			if err := modifyFile(full, c); err != nil {
				return fmt.Errorf("modifying %s: %w", c.Path, err)
			}
		default:
			return fmt.Errorf("%w: unknown operation %q for %s", ErrInvalidChange, c.Operation, c.Path)
		}
		t.logger.Debug("applied change", zap.String("path", c.Path), zap.String("operation", string(c.Operation)))
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func modifyFile(path string, c Change) error {
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) || c.LineStart <= 0 || c.LineEnd < c.LineStart {
		// A modify of a missing file, or without a usable range, rewrites it.
		return writeFile(path, []byte(c.Content))
	}
	if err != nil {
		return err
	}

	lines := strings.SplitAfter(string(existing), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := c.LineStart - 1
	end := c.LineEnd
	if start > len(lines) {
		start = len(lines)
	}
	if end > len(lines) {
		end = len(lines)
	}

	replacement := c.Content
	if replacement != "" && !strings.HasSuffix(replacement, "\n") && end < len(lines) {
		replacement += "\n"
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(lines[:start], ""))
	sb.WriteString(replacement)
	sb.WriteString(strings.Join(lines[end:], ""))
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// ChangedPaths returns the paths that differ from the last commit, sorted.
func (t *Tree) ChangedPaths() ([]string, error) {
	status, err := t.worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	paths := make([]string, 0, len(status))
	for p, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Commit stages everything and commits it. When nothing changed it commits
// only if allowEmpty is set; changed reports whether a commit was made.
func (t *Tree) Commit(message string, author Author, allowEmpty bool) (hash string, changed bool, err error) {
	paths, err := t.ChangedPaths()
	if err != nil {
		return "", false, err
	}
	if len(paths) == 0 && !allowEmpty {
		head, err := t.repo.Head()
		if err != nil {
			return "", false, fmt.Errorf("reading head: %w", err)
		}
		return head.Hash().String(), false, nil
	}

	if err := t.worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", false, fmt.Errorf("staging changes: %w", err)
	}

	sig := &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()}
	h, err := t.worktree.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: allowEmpty,
	})
	if err != nil {
		return "", false, fmt.Errorf("committing: %w", err)
	}
	t.logger.Info("committed", zap.String("sha", h.String()), zap.Int("files", len(paths)))
	return h.String(), true, nil
}

// Push pushes the branch to origin.
func (t *Tree) Push(ctx context.Context) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", t.branch, t.branch))
	err := t.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       t.checkout.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", t.branch, err)
	}
	return nil
}

// ReadFile reads a repository-relative file from the working copy.
func (t *Tree) ReadFile(rel string) ([]byte, error) {
	full, err := t.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}
