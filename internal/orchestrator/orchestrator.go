// Package orchestrator runs the iteration loop: code agent, CI wait and
// review, repeated until the reviewer approves or a terminal condition is
// reached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/config"
	"github.com/drewdunne/codeloop/internal/logging"
	"github.com/drewdunne/codeloop/internal/metrics"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/verdict"
)

// ErrInvalidRequest indicates a request the loop refuses to start.
var ErrInvalidRequest = errors.New("invalid request")

// CodeAgent produces or updates the run's pull request.
type CodeAgent interface {
	Generate(ctx context.Context, req agent.CodeRequest) (*agent.CodeResult, error)
}

// Reviewer judges and publishes.
type Reviewer interface {
	Review(ctx context.Context, req agent.ReviewRequest) (*verdict.Verdict, error)
	Publish(ctx context.Context, repo provider.Repo, pr *provider.PullRequest, v *verdict.Verdict, iteration int) error
}

// CIWaiter blocks until CI settles.
type CIWaiter interface {
	Await(ctx context.Context, owner, repo string, number int, t ci.Timing) ci.Result
}

// SettingsSource yields the effective settings for a repository.
type SettingsSource interface {
	Settings(ctx context.Context, repo provider.Repo) (*config.Settings, error)
}

// Request starts a run.
type Request struct {
	Repo        provider.Repo
	IssueNumber int
	// StartIteration resumes a run; zero means 1.
	StartIteration int
	RunID          string
}

// Iteration is the record of one pass. It is not modified once appended.
type Iteration struct {
	Number      int
	PullRequest *provider.PullRequest
	CI          ci.Outcome
	Verdict     *verdict.Verdict
	NoChanges   bool
}

// Result is the terminal report of a run.
type Result struct {
	RunID         string
	Outcome       State
	Iteration     int
	IterationsRun int
	PullRequest   *provider.PullRequest
	Iterations    []Iteration
	Rejections    int
	Comments      int
	Message       string
}

// Orchestrator drives runs against one repository host. A run is strictly
// sequential; concurrent runs share an Orchestrator safely.
type Orchestrator struct {
	host        provider.Provider
	code        CodeAgent
	reviewer    Reviewer
	waiter      CIWaiter
	settings    SettingsSource
	transcripts *logging.Writer
	logger      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTranscripts records every run to its own log file.
func WithTranscripts(w *logging.Writer) Option {
	return func(o *Orchestrator) {
		o.transcripts = w
	}
}

// New creates an Orchestrator.
func New(host provider.Provider, code CodeAgent, reviewer Reviewer, waiter CIWaiter, settings SettingsSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		host:     host,
		code:     code,
		reviewer: reviewer,
		waiter:   waiter,
		settings: settings,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state of one Run call.
type run struct {
	id         string
	repo       provider.Repo
	issue      *provider.Issue
	settings   *config.Settings
	branch     string
	iteration  int
	state      State
	pr         *provider.PullRequest
	feedback   string
	history    []Iteration
	rejections int
	comments   int
	lastCI     ci.Result
	failure    error
	log        *zap.Logger
	transcript io.Writer
}

func (r *run) to(next State) error {
	if !CanTransition(r.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.state, next)
	}
	r.log.Debug("state", zap.String("from", r.state.String()), zap.String("to", next.String()))
	r.state = next
	return nil
}

func (r *run) record(it Iteration) {
	r.history = append(r.history, it)
}

// Run executes the loop for one issue and returns once a terminal outcome
// is reached. Errors are returned only for requests rejected before the
// loop starts; every loop failure becomes an outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := req.StartIteration
	if start == 0 {
		start = 1
	}
	if start < 1 {
		return nil, fmt.Errorf("%w: start iteration %d", ErrInvalidRequest, req.StartIteration)
	}
	if req.IssueNumber < 1 {
		return nil, fmt.Errorf("%w: issue number %d", ErrInvalidRequest, req.IssueNumber)
	}

	settings, err := o.settings.Settings(ctx, req.Repo)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if start > settings.MaxIterations {
		return nil, fmt.Errorf("%w: start iteration %d exceeds max iterations %d",
			ErrInvalidRequest, start, settings.MaxIterations)
	}

	issue, err := o.host.GetIssue(ctx, req.Repo.Owner, req.Repo.Name, req.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching issue: %w", err)
	}

	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		id:        id,
		repo:      req.Repo,
		issue:     issue,
		settings:  settings,
		branch:    agent.BranchFor(settings.BranchPrefix, issue.Number),
		iteration: start,
		state:     Started,
		log:       o.logger,
	}

	if o.transcripts != nil {
		tr, err := o.transcripts.Open(logging.Entry{
			RunID:     id,
			RepoOwner: req.Repo.Owner,
			RepoName:  req.Repo.Name,
			Issue:     issue.Number,
			Kind:      "process_issue",
			Timestamp: time.Now(),
		})
		if err != nil {
			o.logger.Warn("opening run transcript", zap.Error(err))
		} else {
			defer tr.Close()
			r.log = tr.Tee(o.logger)
			r.transcript = tr
		}
	}
	r.log = r.log.With(
		zap.String("run_id", id),
		zap.String("repo", req.Repo.FullName()),
		zap.Int("issue", issue.Number),
	)

	metrics.RunStarted()
	r.log.Info("run started", zap.Int("start_iteration", start), zap.Int("max_iterations", settings.MaxIterations),
		zap.Bool("ci_enabled", settings.CIEnabled))

	if start > 1 {
		o.resume(ctx, r)
	}

	if err := o.loop(ctx, r); err != nil {
		return nil, err
	}

	res := r.result()
	o.report(ctx, r, res)
	metrics.RunFinished(res.Outcome.String())
	r.log.Info("run finished",
		zap.String("outcome", res.Outcome.String()),
		zap.Int("iteration", res.Iteration),
		zap.Int("iterations_run", res.IterationsRun),
	)
	return res, nil
}

// resume picks up the open pull request of an interrupted run and the
// feedback of its latest review.
func (o *Orchestrator) resume(ctx context.Context, r *run) {
	pr, err := o.host.FindPullRequest(ctx, r.repo.Owner, r.repo.Name, r.branch)
	if err != nil {
		r.log.Warn("looking up existing pull request", zap.Error(err))
		return
	}
	if pr == nil {
		r.log.Info("no open pull request to resume", zap.String("branch", r.branch))
		return
	}
	r.pr = pr
	reviews, err := o.host.ListReviews(ctx, r.repo.Owner, r.repo.Name, pr.Number)
	if err != nil {
		r.log.Warn("listing reviews", zap.Int("pr", pr.Number), zap.Error(err))
		return
	}
	r.feedback = latestFeedback(reviews)
	r.log.Info("resuming", zap.Int("pr", pr.Number), zap.Bool("feedback", r.feedback != ""))
}

// latestFeedback prefers the newest review this service published, then
// the newest non-empty review.
func latestFeedback(reviews []provider.ReviewRecord) string {
	for i := len(reviews) - 1; i >= 0; i-- {
		if verdict.IsReview(reviews[i].Body) {
			return strings.TrimSpace(strings.ReplaceAll(reviews[i].Body, verdict.Marker, ""))
		}
	}
	for i := len(reviews) - 1; i >= 0; i-- {
		if body := strings.TrimSpace(reviews[i].Body); body != "" {
			return body
		}
	}
	return ""
}

func (o *Orchestrator) loop(ctx context.Context, r *run) error {
	for {
		if err := r.to(CodeGenerating); err != nil {
			return err
		}
		metrics.IterationStarted()
		log := r.log.With(zap.Int("iteration", r.iteration))
		log.Info("iteration started")

		res, err := o.code.Generate(ctx, agent.CodeRequest{
			Repo:        r.repo,
			Issue:       r.issue,
			Iteration:   r.iteration,
			Feedback:    r.feedback,
			PullRequest: r.pr,
			Branch:      r.branch,
			Extra:       r.settings.Prompts.CodeAgent,
			RunID:       r.id,
			Transcript:  r.transcript,
		})
		if err != nil {
			log.Error("code generation failed", zap.Error(err))
			r.failure = err
			return r.to(CodeGenerationFailed)
		}
		r.pr = res.PullRequest
		it := Iteration{Number: r.iteration, PullRequest: res.PullRequest, NoChanges: res.NoChanges}
		log = log.With(zap.Int("pr", r.pr.Number))

		if r.settings.CIEnabled {
			if err := r.to(AwaitingCI); err != nil {
				return err
			}
			r.lastCI = o.waiter.Await(ctx, r.repo.Owner, r.repo.Name, r.pr.Number, ci.Timing{
				PollInterval: r.settings.PollInterval,
				MaxWait:      r.settings.MaxWait,
				SHA:          headSHA(res),
			})
			it.CI = r.lastCI.Outcome
			switch {
			case r.lastCI.Outcome == ci.Timeout:
				r.record(it)
				return r.to(CITimeout)
			case r.lastCI.Outcome == ci.Failure && r.settings.FailFast:
				r.record(it)
				return r.to(CIFailed)
			}
		} else {
			r.lastCI = ci.Result{Outcome: ci.Skipped}
			it.CI = ci.Skipped
		}

		if err := r.to(Reviewing); err != nil {
			return err
		}
		v, err := o.review(ctx, r)
		if err != nil {
			log.Error("review failed", zap.Error(err))
			r.failure = err
			r.record(it)
			return r.to(ReviewFailure)
		}
		it.Verdict = v
		r.record(it)
		metrics.VerdictRecorded(v.Disposition.String())

		if err := o.reviewer.Publish(ctx, r.repo, r.pr, v, r.iteration); err != nil {
			log.Warn("publishing review", zap.Error(err))
		}

		if v.Disposition == verdict.Approved {
			return r.to(Approved)
		}
		if v.Disposition == verdict.Comment {
			r.comments++
		} else {
			r.rejections++
		}
		if err := r.to(ChangesRequested); err != nil {
			return err
		}
		if r.iteration >= r.settings.MaxIterations {
			return r.to(IterationLimitReached)
		}
		r.feedback = verdict.Feedback(*v)
		r.iteration++
	}
}

func (o *Orchestrator) review(ctx context.Context, r *run) (*verdict.Verdict, error) {
	diff, err := o.host.GetDiff(ctx, r.repo.Owner, r.repo.Name, r.pr.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching diff: %w", agent.ErrReviewFailure, err)
	}
	previous, err := o.host.ListReviews(ctx, r.repo.Owner, r.repo.Name, r.pr.Number)
	if err != nil {
		r.log.Warn("listing previous reviews", zap.Error(err))
	}
	return o.reviewer.Review(ctx, agent.ReviewRequest{
		Issue:           r.issue,
		PullRequest:     r.pr,
		Diff:            diff,
		CI:              r.lastCI,
		PreviousReviews: previous,
		Extra:           r.settings.Prompts.Reviewer,
		Iteration:       r.iteration,
		Transcript:      r.transcript,
	})
}

func (r *run) result() *Result {
	return &Result{
		RunID:         r.id,
		Outcome:       r.state,
		Iteration:     r.iteration,
		IterationsRun: len(r.history),
		PullRequest:   r.pr,
		Iterations:    append([]Iteration(nil), r.history...),
		Rejections:    r.rejections,
		Comments:      r.comments,
		Message:       summary(r),
	}
}

// headSHA is the commit CI has to report on: the pushed commit, or the pull
// request head when nothing new was pushed.
func headSHA(res *agent.CodeResult) string {
	if res.CommitSHA != "" {
		return res.CommitSHA
	}
	if res.PullRequest != nil {
		return res.PullRequest.HeadSHA
	}
	return ""
}
