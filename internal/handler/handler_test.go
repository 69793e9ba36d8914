package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/verdict"
	"github.com/drewdunne/codeloop/internal/webhook"
)

type fakeRunner struct {
	mu      sync.Mutex
	issues  []int
	reviews []int
	waited  []bool
}

func (f *fakeRunner) ProcessIssue(ctx context.Context, repoRef string, issue, start int) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, issue)
	return &orchestrator.Result{Outcome: orchestrator.Approved, Iteration: start}, nil
}

func (f *fakeRunner) RunReviewer(ctx context.Context, repoRef string, pr int, wait bool) (*orchestrator.ReviewOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, pr)
	f.waited = append(f.waited, wait)
	return &orchestrator.ReviewOutcome{Verdict: &verdict.Verdict{Disposition: verdict.Comment}, CI: ci.Result{Outcome: ci.Skipped}}, nil
}

// inline runs jobs synchronously.
type inline struct {
	keys []dispatch.Key
	err  error
}

func (q *inline) Enqueue(key dispatch.Key, job dispatch.Job) error {
	if q.err != nil {
		return q.err
	}
	q.keys = append(q.keys, key)
	job(context.Background())
	return nil
}

func TestEventHandler_IssueEvents(t *testing.T) {
	r := &fakeRunner{}
	q := &inline{}
	h := New(r, q)

	for _, typ := range []event.Type{event.TypeIssueOpened, event.TypeMention} {
		err := h.Handle(context.Background(), &event.Event{Type: typ, Provider: "github", RepoOwner: "o", RepoName: "r", Number: 7})
		if err != nil {
			t.Fatalf("Handle(%s) error = %v", typ, err)
		}
	}

	if len(r.issues) != 2 || r.issues[0] != 7 {
		t.Errorf("ProcessIssue calls = %v, want [7 7]", r.issues)
	}
	want := dispatch.Key{Repo: "github:o/r", Issue: 7}
	if q.keys[0] != want {
		t.Errorf("key = %+v, want %+v", q.keys[0], want)
	}
}

func TestEventHandler_PullRequestEvents(t *testing.T) {
	r := &fakeRunner{}
	q := &inline{}
	h := New(r, q, WithReviewCI(false))

	err := h.Handle(context.Background(), &event.Event{Type: event.TypePRUpdated, Provider: "gitlab", RepoOwner: "g", RepoName: "r", Number: 3})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(r.reviews) != 1 || r.reviews[0] != 3 {
		t.Errorf("RunReviewer calls = %v, want [3]", r.reviews)
	}
	if r.waited[0] {
		t.Error("review waited for CI, want no wait")
	}
	if q.keys[0].Kind != "review" {
		t.Errorf("key kind = %q, want review", q.keys[0].Kind)
	}
	if len(r.issues) != 0 {
		t.Errorf("ProcessIssue calls = %v, want none", r.issues)
	}
}

func TestEventHandler_EnqueueErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantNil   bool
		wantRetry bool
	}{
		{name: "active", err: dispatch.ErrRunActive, wantNil: true},
		{name: "queue full", err: dispatch.ErrQueueFull, wantRetry: true},
		{name: "shutdown", err: dispatch.ErrShutdown, wantRetry: true},
		{name: "other", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fakeRunner{}, &inline{err: tt.err})
			err := h.Handle(context.Background(), &event.Event{Type: event.TypeIssueOpened, Provider: "github", RepoOwner: "o", RepoName: "r", Number: 1})
			if tt.wantNil {
				if err != nil {
					t.Errorf("Handle() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Handle() error = nil, want error")
			}
			if got := errors.Is(err, webhook.ErrRetryLater); got != tt.wantRetry {
				t.Errorf("errors.Is(err, ErrRetryLater) = %v, want %v", got, tt.wantRetry)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Handle() error = %v, want wrapping %v", err, tt.err)
			}
		})
	}
}

func TestEventHandler_WithDispatcher(t *testing.T) {
	r := &fakeRunner{}
	d := dispatch.New(dispatch.Config{MaxConcurrent: 1, QueueSize: 2})
	h := New(r, d)

	if err := h.Handle(context.Background(), &event.Event{Type: event.TypeIssueOpened, Provider: "github", RepoOwner: "o", RepoName: "r", Number: 4}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestEventHandler_KeyIgnoresGitHubCase(t *testing.T) {
	q := &inline{}
	h := New(&fakeRunner{}, q)

	for _, owner := range []string{"Owner", "owner"} {
		err := h.Handle(context.Background(), &event.Event{Type: event.TypeIssueOpened, Provider: "github", RepoOwner: owner, RepoName: "Repo", Number: 7})
		if err != nil {
			t.Fatalf("Handle(%s) error = %v", owner, err)
		}
	}

	if len(q.keys) != 2 || q.keys[0] != q.keys[1] {
		t.Errorf("keys = %+v, want one key for both spellings", q.keys)
	}
	if q.keys[0].Repo != "github:owner/repo" {
		t.Errorf("key repo = %q, want github:owner/repo", q.keys[0].Repo)
	}
}
