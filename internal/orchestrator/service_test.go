package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/provider/providertest"
	"github.com/drewdunne/codeloop/internal/registry"
	"github.com/drewdunne/codeloop/internal/verdict"
)

func newService(h *harness) *Service {
	wired := 0
	return NewService(registry.NewStatic("fake", h.host), func(host provider.Provider) HostDeps {
		wired++
		if wired > 1 {
			panic("host wired twice")
		}
		return HostDeps{Code: h.code, Reviewer: h.reviewer, Waiter: h.waiter, Settings: h.settings}
	}, nil)
}

func TestService_ProcessIssue(t *testing.T) {
	h := newHarness(verdict.ChangesRequested, verdict.Approved)
	s := newService(h)

	res, err := s.ProcessIssue(context.Background(), "owner/repo", 7, 0)
	if err != nil {
		t.Fatalf("ProcessIssue() error = %v", err)
	}
	if res.Outcome != Approved || res.Iteration != 2 {
		t.Errorf("Outcome = %s at %d, want approved at 2", res.Outcome, res.Iteration)
	}

	// A second run reuses the wired host.
	if _, err := s.ProcessIssue(context.Background(), "owner/repo", 7, 0); err != nil {
		t.Fatalf("second ProcessIssue() error = %v", err)
	}
}

func TestService_ProcessIssueErrors(t *testing.T) {
	h := newHarness(verdict.Approved)
	s := newService(h)

	if _, err := s.ProcessIssue(context.Background(), "not a repo", 7, 0); !errors.Is(err, provider.ErrInvalidRepo) {
		t.Errorf("bad ref error = %v, want ErrInvalidRepo", err)
	}
	if _, err := s.ProcessIssue(context.Background(), "gitlab:owner/repo", 7, 0); !errors.Is(err, registry.ErrProviderNotConfigured) {
		t.Errorf("unconfigured provider error = %v, want ErrProviderNotConfigured", err)
	}
	if _, err := s.ProcessIssue(context.Background(), "owner/repo", -3, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad issue error = %v, want ErrInvalidRequest", err)
	}
}

func TestService_RunCodeAgent(t *testing.T) {
	h := newHarness(verdict.Approved)
	s := newService(h)

	res, err := s.RunCodeAgent(context.Background(), "owner/repo", 7, 0, 0)
	if err != nil {
		t.Fatalf("RunCodeAgent() error = %v", err)
	}
	if res.Branch != "issue-7" {
		t.Errorf("Branch = %q, want %q", res.Branch, "issue-7")
	}
	if got := h.code.requests[0].Iteration; got != 1 {
		t.Errorf("Iteration = %d, want 1", got)
	}
}

func TestService_RunCodeAgentOnPullRequest(t *testing.T) {
	h := newHarness(verdict.Approved)
	h.host.AddPullRequest(provider.PullRequest{Number: 40, SourceBranch: "feature/x"})
	h.host.AddReview(40, provider.ReviewRecord{Body: "rename the flag"})
	s := newService(h)

	res, err := s.RunCodeAgent(context.Background(), "owner/repo", 7, 2, 40)
	if err != nil {
		t.Fatalf("RunCodeAgent() error = %v", err)
	}
	if res.Branch != "feature/x" || res.PullRequest.Number != 40 {
		t.Errorf("result = %s #%d, want feature/x #40", res.Branch, res.PullRequest.Number)
	}
	if got := h.code.requests[0].Feedback; got != "rename the flag" {
		t.Errorf("Feedback = %q, want %q", got, "rename the flag")
	}

	if _, err := s.RunCodeAgent(context.Background(), "owner/repo", 7, 1, 999); !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("missing PR error = %v, want ErrNotFound", err)
	}
}

func TestService_RunReviewer(t *testing.T) {
	tests := []struct {
		name      string
		ciEnabled bool
		wait      bool
		hostCI    []provider.CIState
		wantCI    ci.Outcome
		waits     int
	}{
		{name: "ci disabled", wantCI: ci.Skipped},
		{name: "wait", ciEnabled: true, wait: true, wantCI: ci.Success, waits: 1},
		{name: "snapshot pending", ciEnabled: true, hostCI: []provider.CIState{provider.CIPending}, wantCI: ci.Pending},
		{name: "snapshot failure", ciEnabled: true, hostCI: []provider.CIState{provider.CIFailure}, wantCI: ci.Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(verdict.Approved)
			h.settings.CIEnabled = tt.ciEnabled
			h.host.CI = tt.hostCI
			h.host.AddPullRequest(provider.PullRequest{Number: 12, SourceBranch: "issue-7", Title: "Add flag"})
			s := newService(h)

			out, err := s.RunReviewer(context.Background(), "owner/repo", 12, tt.wait)
			if err != nil {
				t.Fatalf("RunReviewer() error = %v", err)
			}
			if out.CI.Outcome != tt.wantCI {
				t.Errorf("CI = %s, want %s", out.CI.Outcome, tt.wantCI)
			}
			if h.waiter.calls != tt.waits {
				t.Errorf("waiter calls = %d, want %d", h.waiter.calls, tt.waits)
			}
			if out.Verdict.Disposition != verdict.Approved {
				t.Errorf("Disposition = %s, want approved", out.Verdict.Disposition)
			}
			if got := h.reviewer.reviewed[0].Issue.Number; got != 7 {
				t.Errorf("related issue = %d, want 7", got)
			}
			if len(h.reviewer.published) != 1 || h.reviewer.published[0] != 0 {
				t.Errorf("published = %v, want [0]", h.reviewer.published)
			}
		})
	}
}

func TestRelatedIssue(t *testing.T) {
	host := providertest.New(
		&provider.Issue{Number: 3, Title: "three"},
		&provider.Issue{Number: 9, Title: "nine"},
	)
	tests := []struct {
		name string
		pr   provider.PullRequest
		want int
	}{
		{name: "description reference", pr: provider.PullRequest{Number: 50, Description: "Closes #3", SourceBranch: "issue-9"}, want: 3},
		{name: "branch name", pr: provider.PullRequest{Number: 50, SourceBranch: "codeloop/issue-9"}, want: 9},
		{name: "unknown issue", pr: provider.PullRequest{Number: 50, Description: "Fixes #404"}, want: 50},
		{name: "none", pr: provider.PullRequest{Number: 50, Title: "tidy"}, want: 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := relatedIssue(context.Background(), host, testRepo, &tt.pr, zap.NewNop())
			if got.Number != tt.want {
				t.Errorf("relatedIssue() = #%d, want #%d", got.Number, tt.want)
			}
		})
	}
}

func TestService_RunReviewerTimeout(t *testing.T) {
	h := newHarness(verdict.Approved)
	h.waiter.outcomes = []ci.Outcome{ci.Timeout}
	h.settings.MaxWait = time.Millisecond
	h.host.AddPullRequest(provider.PullRequest{Number: 12, SourceBranch: "issue-7"})
	s := newService(h)

	out, err := s.RunReviewer(context.Background(), "owner/repo", 12, true)
	if err != nil {
		t.Fatalf("RunReviewer() error = %v", err)
	}
	if out.CI.Outcome != ci.Timeout {
		t.Errorf("CI = %s, want timeout", out.CI.Outcome)
	}
}
