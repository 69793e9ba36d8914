package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/prompt"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/verdict"
)

// ErrReviewFailure indicates the reviewer could not produce a verdict
// within its attempts.
var ErrReviewFailure = errors.New("review failed")

// ReviewRequest is one review of a pull request.
type ReviewRequest struct {
	Issue           *provider.Issue
	PullRequest     *provider.PullRequest
	Diff            *provider.Diff
	CI              ci.Result
	PreviousReviews []provider.ReviewRecord
	Extra           string
	Iteration       int
	Transcript      io.Writer
}

// Reviewer asks a model backend for a verdict and publishes it.
type Reviewer struct {
	backend     llm.Backend
	host        provider.Provider
	prompts     *prompt.Builder
	maxAttempts int
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// ReviewerOption configures a Reviewer.
type ReviewerOption func(*Reviewer)

// WithMaxAttempts bounds model calls per review.
func WithMaxAttempts(n int) ReviewerOption {
	return func(r *Reviewer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithReviewSampling sets the completion budget and temperature.
func WithReviewSampling(maxTokens int, temperature float64) ReviewerOption {
	return func(r *Reviewer) {
		r.maxTokens = maxTokens
		r.temperature = temperature
	}
}

// WithReviewerLogger sets the logger.
func WithReviewerLogger(l *zap.Logger) ReviewerOption {
	return func(r *Reviewer) {
		r.logger = l
	}
}

// NewReviewer creates a reviewer publishing to host.
func NewReviewer(b llm.Backend, host provider.Provider, prompts *prompt.Builder, opts ...ReviewerOption) *Reviewer {
	r := &Reviewer{
		backend:     b,
		host:        host,
		prompts:     prompts,
		maxAttempts: 2,
		maxTokens:   4000,
		temperature: 0.2,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Review produces a verdict for the pull request. A malformed answer or a
// backend error is re-attempted up to the configured attempts; a failing
// CI outcome is never approved.
func (r *Reviewer) Review(ctx context.Context, req ReviewRequest) (*verdict.Verdict, error) {
	if req.PullRequest == nil {
		return nil, fmt.Errorf("%w: pull request is required", ErrReviewFailure)
	}
	log := r.logger.With(zap.Int("pr", req.PullRequest.Number), zap.Int("iteration", req.Iteration))

	var checks []provider.Check
	if req.CI.Status != nil {
		checks = req.CI.Status.Checks
	}
	system := r.prompts.ReviewerSystem(req.Extra)
	user := r.prompts.Reviewer(prompt.ReviewInput{
		Issue:           req.Issue,
		PullRequest:     req.PullRequest,
		Diff:            req.Diff,
		CIOutcome:       string(req.CI.Outcome),
		Checks:          checks,
		PreviousReviews: req.PreviousReviews,
	})

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrReviewFailure, err)
		}
		out, err := r.backend.Complete(ctx, llm.Request{
			System:      system,
			Prompt:      user,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		})
		if err == nil {
			if req.Transcript != nil {
				fmt.Fprintf(req.Transcript, "reviewer response (attempt %d):\n%s\n", attempt, out)
			}
			var v verdict.Verdict
			v, err = parseVerdict(out)
			if err == nil {
				enforced := v.EnforceCI(req.CI.Outcome.Failed(), req.CI.FailedChecks())
				log.Info("verdict", zap.String("disposition", enforced.Disposition.String()), zap.Int("changes", len(enforced.Changes)))
				return &enforced, nil
			}
		}
		lastErr = err
		log.Warn("review attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReviewFailure, r.maxAttempts, lastErr)
}

func parseVerdict(text string) (verdict.Verdict, error) {
	data, err := llm.ExtractJSON(text)
	if err != nil {
		return verdict.Verdict{}, fmt.Errorf("%w: %w", verdict.ErrMalformed, err)
	}
	return verdict.Parse(data)
}

// Publish posts v on the pull request as a non-blocking review with inline
// comments. Hosts that refuse the inline comments fall back to the summary.
func (r *Reviewer) Publish(ctx context.Context, repo provider.Repo, pr *provider.PullRequest, v *verdict.Verdict, iteration int) error {
	review := provider.Review{Body: verdict.Render(*v, iteration)}
	for _, c := range v.Comments {
		if c.Line <= 0 {
			continue
		}
		review.Comments = append(review.Comments, provider.ReviewComment{
			Path: c.Path,
			Line: c.Line,
			Body: verdict.InlineBody(c),
		})
	}
	if err := r.host.PostReview(ctx, repo.Owner, repo.Name, pr.Number, review); err != nil {
		return fmt.Errorf("posting review: %w", err)
	}
	return nil
}
