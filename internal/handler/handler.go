// Package handler turns routed events into dispatched runs.
package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/dispatch"
	"github.com/drewdunne/codeloop/internal/event"
	"github.com/drewdunne/codeloop/internal/orchestrator"
	"github.com/drewdunne/codeloop/internal/webhook"
)

// Runner executes runs and standalone reviews.
type Runner interface {
	ProcessIssue(ctx context.Context, repoRef string, issue, startIteration int) (*orchestrator.Result, error)
	RunReviewer(ctx context.Context, repoRef string, prNumber int, waitForCI bool) (*orchestrator.ReviewOutcome, error)
}

// Enqueuer schedules jobs.
type Enqueuer interface {
	Enqueue(key dispatch.Key, job dispatch.Job) error
}

// EventHandler schedules a run for each issue event and a standalone review
// for each pull request event.
type EventHandler struct {
	runner   Runner
	queue    Enqueuer
	logger   *zap.Logger
	reviewCI bool
}

// Option configures an EventHandler.
type Option func(*EventHandler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *EventHandler) {
		h.logger = l
	}
}

// WithReviewCI makes standalone reviews wait for CI first.
func WithReviewCI(wait bool) Option {
	return func(h *EventHandler) {
		h.reviewCI = wait
	}
}

// New creates an EventHandler.
func New(runner Runner, queue Enqueuer, opts ...Option) *EventHandler {
	h := &EventHandler{
		runner:   runner,
		queue:    queue,
		logger:   zap.NewNop(),
		reviewCI: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements event.Handler. A run already active for the same
// subject is not an error; a full queue asks the host to redeliver.
func (h *EventHandler) Handle(ctx context.Context, evt *event.Event) error {
	ref := evt.Repo().String()
	log := h.logger.With(zap.String("repo", ref), zap.String("event", string(evt.Type)), zap.Int("number", evt.Number))

	var (
		key dispatch.Key
		job dispatch.Job
	)
	if evt.IsPullRequest() {
		key = dispatch.Key{Kind: "review", Repo: evt.Repo().Key(), Issue: evt.Number}
		job = h.reviewJob(ref, evt.Number, log)
	} else {
		key = dispatch.Key{Repo: evt.Repo().Key(), Issue: evt.Number}
		job = h.issueJob(ref, evt.Number, log)
	}

	err := h.queue.Enqueue(key, job)
	switch {
	case err == nil:
		log.Info("scheduled", zap.String("key", key.String()))
		return nil
	case errors.Is(err, dispatch.ErrRunActive):
		log.Info("already running", zap.String("key", key.String()))
		return nil
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrShutdown):
		return fmt.Errorf("scheduling %s: %w: %w", key, webhook.ErrRetryLater, err)
	default:
		return fmt.Errorf("scheduling %s: %w", key, err)
	}
}

func (h *EventHandler) issueJob(ref string, issue int, log *zap.Logger) dispatch.Job {
	return func(ctx context.Context) {
		res, err := h.runner.ProcessIssue(ctx, ref, issue, 1)
		if err != nil {
			log.Error("run failed to start", zap.Error(err))
			return
		}
		log.Info("run finished",
			zap.String("run_id", res.RunID),
			zap.String("outcome", res.Outcome.String()),
			zap.Int("iteration", res.Iteration),
		)
	}
}

func (h *EventHandler) reviewJob(ref string, pr int, log *zap.Logger) dispatch.Job {
	return func(ctx context.Context) {
		out, err := h.runner.RunReviewer(ctx, ref, pr, h.reviewCI)
		if err != nil {
			log.Error("review failed", zap.Error(err))
			return
		}
		log.Info("review published",
			zap.String("disposition", out.Verdict.Disposition.String()),
			zap.String("ci", string(out.CI.Outcome)),
		)
	}
}
