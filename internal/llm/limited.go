package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/drewdunne/codeloop/internal/retry"
)

// Limited wraps a Backend with a rate limiter and retries transient errors.
type Limited struct {
	inner   Backend
	limiter *rate.Limiter
	retry   retry.Config
}

// LimitOption configures a Limited backend.
type LimitOption func(*Limited)

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg retry.Config) LimitOption {
	return func(l *Limited) {
		l.retry = cfg
	}
}

// NewLimited allows perSecond requests (unlimited when perSecond <= 0).
func NewLimited(b Backend, perSecond float64, opts ...LimitOption) *Limited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	l := &Limited{
		inner:   b,
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Complete waits for the limiter then calls the wrapped backend.
func (l *Limited) Complete(ctx context.Context, req Request) (string, error) {
	var out string
	err := retry.Do(ctx, l.retry, func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
		var err error
		out, err = l.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
