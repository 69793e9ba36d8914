package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/provider/providertest"
	"github.com/drewdunne/codeloop/internal/retry"
)

// flakyIssues fails GetIssue with a transient error a fixed number of times.
type flakyIssues struct {
	*providertest.Fake
	failures int
	calls    int
}

func (f *flakyIssues) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, retry.Transient(errors.New("502 bad gateway"))
	}
	return f.Fake.GetIssue(ctx, owner, repo, number)
}

func fastRetry() provider.ThrottleOption {
	return provider.WithRetryConfig(retry.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestThrottled_RetriesTransientErrors(t *testing.T) {
	inner := &flakyIssues{
		Fake:     providertest.New(&provider.Issue{Number: 7, Title: "Bug"}),
		failures: 2,
	}
	p := provider.NewThrottled(inner, 0, 1, fastRetry())

	issue, err := p.GetIssue(context.Background(), "owner", "repo", 7)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if issue.Title != "Bug" {
		t.Errorf("Title = %q, want %q", issue.Title, "Bug")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestThrottled_PermanentErrorPassesThrough(t *testing.T) {
	fake := providertest.New()
	p := provider.NewThrottled(fake, 0, 1, fastRetry())

	_, err := p.GetIssue(context.Background(), "owner", "repo", 1)
	if !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("GetIssue() error = %v, want ErrNotFound", err)
	}
	if fake.Calls("GetIssue") != 1 {
		t.Errorf("GetIssue calls = %d, want 1", fake.Calls("GetIssue"))
	}
}

func TestThrottled_WritesNotRetried(t *testing.T) {
	fake := providertest.New()
	fake.Errs["PostIssueComment"] = retry.Transient(errors.New("timeout"))
	p := provider.NewThrottled(fake, 0, 1, fastRetry())

	if err := p.PostIssueComment(context.Background(), "owner", "repo", 1, "hi"); err == nil {
		t.Fatal("PostIssueComment() expected error")
	}
	if fake.Calls("PostIssueComment") != 1 {
		t.Errorf("PostIssueComment calls = %d, want 1", fake.Calls("PostIssueComment"))
	}
}

func TestThrottled_RateLimits(t *testing.T) {
	fake := providertest.New(&provider.Issue{Number: 1})
	// 20 req/s with burst 1: three calls need at least ~100ms.
	p := provider.NewThrottled(fake, 20, 1, fastRetry())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.GetIssue(context.Background(), "owner", "repo", 1); err != nil {
			t.Fatalf("GetIssue() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls took %v, expected limiter to space them out", elapsed)
	}
}

func TestThrottled_LimiterHonorsContext(t *testing.T) {
	fake := providertest.New(&provider.Issue{Number: 1})
	p := provider.NewThrottled(fake, 0.001, 1, fastRetry())

	// First call consumes the burst.
	if _, err := p.GetIssue(context.Background(), "owner", "repo", 1); err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.GetIssue(ctx, "owner", "repo", 1); err == nil {
		t.Error("GetIssue() expected error when limiter wait exceeds deadline")
	}
}

func TestThrottled_Delegates(t *testing.T) {
	fake := providertest.New()
	fake.Creds = provider.Credentials{Username: "bot", Token: "tok"}
	p := provider.NewThrottled(fake, 0, 1)

	if p.Name() != "fake" {
		t.Errorf("Name() = %q, want %q", p.Name(), "fake")
	}
	if p.Credentials().Token != "tok" {
		t.Errorf("Credentials().Token = %q, want %q", p.Credentials().Token, "tok")
	}
	if p.Unwrap() != provider.Provider(fake) {
		t.Error("Unwrap() did not return inner provider")
	}
}
