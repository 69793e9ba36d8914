// Package ci waits for a pull request's checks to settle.
package ci

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/metrics"
	"github.com/drewdunne/codeloop/internal/provider"
)

// Outcome is how a wait for CI ended.
type Outcome string

const (
	Pending Outcome = "pending"
	Success Outcome = "success"
	Failure Outcome = "failure"
	Timeout Outcome = "timeout"
	// Skipped is recorded when CI is disabled for the repository.
	Skipped Outcome = "skipped"
)

// Failed reports whether the outcome should block approval.
func (o Outcome) Failed() bool {
	return o == Failure
}

// StatusSource reports the CI state of a pull request.
type StatusSource interface {
	GetCIStatus(ctx context.Context, owner, repo string, number int) (*provider.CIStatus, error)
}

// Timing bounds a single wait.
type Timing struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	// SHA is the commit the status must describe. Empty accepts any head.
	SHA string
}

// Result is the outcome of a wait plus the last status observed.
type Result struct {
	Outcome Outcome
	Status  *provider.CIStatus
	Elapsed time.Duration
}

// FailedChecks returns the names of failing checks in the last status.
func (r Result) FailedChecks() []string {
	if r.Status == nil {
		return nil
	}
	var names []string
	for _, c := range r.Status.Failed() {
		names = append(names, c.Name)
	}
	return names
}

// Waiter polls a StatusSource until CI reaches a terminal state.
type Waiter struct {
	source StatusSource
	logger *zap.Logger
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Waiter) {
		w.logger = l
	}
}

// NewWaiter creates a Waiter for source.
func NewWaiter(source StatusSource, opts ...Option) *Waiter {
	w := &Waiter{
		source: source,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Await polls immediately and then every t.PollInterval. It returns Success
// or Failure on the first terminal state and Timeout once t.MaxWait has
// passed or ctx is done. Poll errors are logged and polling continues. A
// status for a head other than t.SHA counts as pending.
func (w *Waiter) Await(ctx context.Context, owner, repo string, number int, t Timing) Result {
	start := time.Now()
	log := w.logger.With(zap.String("repo", owner+"/"+repo), zap.Int("pr", number))

	interval := t.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.NewTimer(t.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *provider.CIStatus
	finish := func(o Outcome) Result {
		elapsed := time.Since(start)
		metrics.CIWaitFinished(string(o), elapsed)
		log.Info("ci wait finished", zap.String("outcome", string(o)), zap.Duration("elapsed", elapsed))
		return Result{Outcome: o, Status: last, Elapsed: elapsed}
	}

	for {
		status, err := w.source.GetCIStatus(ctx, owner, repo, number)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return finish(Timeout)
			}
			log.Warn("ci status poll failed", zap.Error(err))
		case t.SHA != "" && status.SHA != t.SHA:
			log.Debug("ci status for stale head", zap.String("sha", status.SHA), zap.String("want", t.SHA))
		default:
			last = status
			switch status.State {
			case provider.CISuccess:
				return finish(Success)
			case provider.CIFailure:
				return finish(Failure)
			}
			log.Debug("ci pending", zap.String("state", string(status.State)), zap.Int("checks", len(status.Checks)))
		}

		select {
		case <-ctx.Done():
			return finish(Timeout)
		case <-deadline.C:
			return finish(Timeout)
		case <-ticker.C:
		}
	}
}
