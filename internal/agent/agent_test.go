package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/provider/providertest"
)

// scriptedBackend returns its responses in order; the last one repeats.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []llm.Request
}

func (b *scriptedBackend) Complete(ctx context.Context, req llm.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := len(b.requests)
	b.requests = append(b.requests, req)
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if len(b.responses) == 0 {
		return "", llm.ErrEmptyResponse
	}
	if i >= len(b.responses) {
		i = len(b.responses) - 1
	}
	return b.responses[i], nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// setupRemote creates a repository with one commit on main.
func setupRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	wt, _ := repo.Worktree()
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sig := &object.Signature{Name: "Test", Email: "test@test.com", When: time.Now()}
	if _, err := wt.Commit("initial", &git.CommitOptions{Author: sig}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

func newHost(remote string) *providertest.Fake {
	host := providertest.New(&provider.Issue{Number: 7, Title: "Add health endpoint", Body: "Expose GET /health."})
	host.Repository.CloneURL = remote
	host.Tree = []string{"README.md"}
	host.Files["README.md"] = []byte("# Test\n")
	return host
}

var testRepo = provider.Repo{Provider: "fake", Owner: "owner", Name: "repo"}
