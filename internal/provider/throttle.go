package provider

import (
	"context"

	"github.com/drewdunne/codeloop/internal/retry"
	"golang.org/x/time/rate"
)

// Throttled wraps a Provider so that concurrent runs share one request
// budget per host, and transient failures are retried with backoff.
type Throttled struct {
	inner   Provider
	limiter *rate.Limiter
	retry   retry.Config
}

// ThrottleOption configures a Throttled provider.
type ThrottleOption func(*Throttled)

// WithRetryConfig overrides the backoff policy.
func WithRetryConfig(cfg retry.Config) ThrottleOption {
	return func(t *Throttled) {
		t.retry = cfg
	}
}

// NewThrottled wraps p with a limiter allowing perSecond requests and burst.
// A non-positive perSecond disables rate limiting.
func NewThrottled(p Provider, perSecond float64, burst int, opts ...ThrottleOption) *Throttled {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	t := &Throttled{
		inner:   p,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Unwrap returns the wrapped provider.
func (t *Throttled) Unwrap() Provider {
	return t.inner
}

func throttled[T any](ctx context.Context, t *Throttled, fn func() (T, error)) (T, error) {
	var result T
	err := retry.Do(ctx, t.retry, func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Name returns the wrapped provider name.
func (t *Throttled) Name() string {
	return t.inner.Name()
}

func (t *Throttled) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	return throttled(ctx, t, func() (*Repository, error) {
		return t.inner.GetRepository(ctx, owner, repo)
	})
}

func (t *Throttled) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	return throttled(ctx, t, func() (*Issue, error) {
		return t.inner.GetIssue(ctx, owner, repo, number)
	})
}

// PostIssueComment is not retried: a timed out request may still have
// created the comment.
func (t *Throttled) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.PostIssueComment(ctx, owner, repo, number, body)
}

func (t *Throttled) FindPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, error) {
	return throttled(ctx, t, func() (*PullRequest, error) {
		return t.inner.FindPullRequest(ctx, owner, repo, branch)
	})
}

func (t *Throttled) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	return throttled(ctx, t, func() (*PullRequest, error) {
		return t.inner.GetPullRequest(ctx, owner, repo, number)
	})
}

// CreateOrUpdatePullRequest is safe to retry because the inner provider
// looks up the branch's open pull request before creating one.
func (t *Throttled) CreateOrUpdatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error) {
	return throttled(ctx, t, func() (*PullRequest, error) {
		return t.inner.CreateOrUpdatePullRequest(ctx, owner, repo, spec)
	})
}

func (t *Throttled) GetDiff(ctx context.Context, owner, repo string, number int) (*Diff, error) {
	return throttled(ctx, t, func() (*Diff, error) {
		return t.inner.GetDiff(ctx, owner, repo, number)
	})
}

func (t *Throttled) GetCIStatus(ctx context.Context, owner, repo string, number int) (*CIStatus, error) {
	return throttled(ctx, t, func() (*CIStatus, error) {
		return t.inner.GetCIStatus(ctx, owner, repo, number)
	})
}

// PostReview is not retried for the same reason as PostIssueComment.
func (t *Throttled) PostReview(ctx context.Context, owner, repo string, number int, review Review) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.PostReview(ctx, owner, repo, number, review)
}

func (t *Throttled) ListReviews(ctx context.Context, owner, repo string, number int) ([]ReviewRecord, error) {
	return throttled(ctx, t, func() ([]ReviewRecord, error) {
		return t.inner.ListReviews(ctx, owner, repo, number)
	})
}

func (t *Throttled) ListTree(ctx context.Context, owner, repo, ref string, maxDepth int) ([]string, error) {
	return throttled(ctx, t, func() ([]string, error) {
		return t.inner.ListTree(ctx, owner, repo, ref, maxDepth)
	})
}

func (t *Throttled) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	return throttled(ctx, t, func() ([]byte, error) {
		return t.inner.ReadFile(ctx, owner, repo, path, ref)
	})
}

func (t *Throttled) Credentials() Credentials {
	return t.inner.Credentials()
}
