package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/agent"
	"github.com/drewdunne/codeloop/internal/ci"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/verdict"
)

// Resolver maps a repository reference to its host.
type Resolver interface {
	Resolve(ref string) (provider.Repo, provider.Provider, error)
}

// HostDeps are the collaborators bound to one host.
type HostDeps struct {
	Code     CodeAgent
	Reviewer Reviewer
	Waiter   CIWaiter
	Settings SettingsSource
}

// Wiring builds the collaborators of a host. It is called once per host.
type Wiring func(host provider.Provider) HostDeps

// Service is the entry point of every surface: API, CLI and webhooks.
type Service struct {
	resolver Resolver
	wire     Wiring
	opts     []Option
	logger   *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostEntry
}

type hostEntry struct {
	deps HostDeps
	orch *Orchestrator
}

// NewService creates a Service. opts apply to every Orchestrator it builds.
func NewService(resolver Resolver, wire Wiring, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		resolver: resolver,
		wire:     wire,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		logger:   logger,
		hosts:    make(map[string]*hostEntry),
	}
}

func (s *Service) entry(host provider.Provider) *hostEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.hosts[host.Name()]
	if !ok {
		deps := s.wire(host)
		e = &hostEntry{
			deps: deps,
			orch: New(host, deps.Code, deps.Reviewer, deps.Waiter, deps.Settings, s.opts...),
		}
		s.hosts[host.Name()] = e
	}
	return e
}

func (s *Service) resolve(ref string) (provider.Repo, provider.Provider, *hostEntry, error) {
	repo, host, err := s.resolver.Resolve(ref)
	if err != nil {
		return provider.Repo{}, nil, nil, err
	}
	return repo, host, s.entry(host), nil
}

// ProcessIssue runs the full loop for an issue.
func (s *Service) ProcessIssue(ctx context.Context, repoRef string, issue, startIteration int) (*Result, error) {
	repo, _, e, err := s.resolve(repoRef)
	if err != nil {
		return nil, err
	}
	return e.orch.Run(ctx, Request{Repo: repo, IssueNumber: issue, StartIteration: startIteration})
}

// RunCodeAgent runs one code agent pass outside the loop. With prNumber
// set, the pass works on that pull request's branch and is handed its
// latest review as feedback.
func (s *Service) RunCodeAgent(ctx context.Context, repoRef string, issue, iteration, prNumber int) (*agent.CodeResult, error) {
	if issue < 1 {
		return nil, fmt.Errorf("%w: issue number %d", ErrInvalidRequest, issue)
	}
	if iteration < 1 {
		iteration = 1
	}
	repo, host, e, err := s.resolve(repoRef)
	if err != nil {
		return nil, err
	}
	settings, err := e.deps.Settings.Settings(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	iss, err := host.GetIssue(ctx, repo.Owner, repo.Name, issue)
	if err != nil {
		return nil, fmt.Errorf("fetching issue: %w", err)
	}

	req := agent.CodeRequest{
		Repo:      repo,
		Issue:     iss,
		Iteration: iteration,
		Branch:    agent.BranchFor(settings.BranchPrefix, iss.Number),
		Extra:     settings.Prompts.CodeAgent,
	}
	if prNumber > 0 {
		pr, err := host.GetPullRequest(ctx, repo.Owner, repo.Name, prNumber)
		if err != nil {
			return nil, fmt.Errorf("fetching pull request: %w", err)
		}
		req.PullRequest = pr
		reviews, err := host.ListReviews(ctx, repo.Owner, repo.Name, prNumber)
		if err != nil {
			s.logger.Warn("listing reviews", zap.Int("pr", prNumber), zap.Error(err))
		}
		req.Feedback = latestFeedback(reviews)
	}
	return e.deps.Code.Generate(ctx, req)
}

// ReviewOutcome is the result of a standalone review.
type ReviewOutcome struct {
	Verdict     *verdict.Verdict
	CI          ci.Result
	PullRequest *provider.PullRequest
}

var (
	issueRef    = regexp.MustCompile(`#(\d+)`)
	issueBranch = regexp.MustCompile(`issue-(\d+)`)
)

// RunReviewer reviews an existing pull request and publishes the verdict.
func (s *Service) RunReviewer(ctx context.Context, repoRef string, prNumber int, waitForCI bool) (*ReviewOutcome, error) {
	if prNumber < 1 {
		return nil, fmt.Errorf("%w: pull request number %d", ErrInvalidRequest, prNumber)
	}
	repo, host, e, err := s.resolve(repoRef)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("repo", repo.FullName()), zap.Int("pr", prNumber))

	settings, err := e.deps.Settings.Settings(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	pr, err := host.GetPullRequest(ctx, repo.Owner, repo.Name, prNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching pull request: %w", err)
	}
	issue := relatedIssue(ctx, host, repo, pr, log)

	result := ci.Result{Outcome: ci.Skipped}
	switch {
	case settings.CIEnabled && waitForCI:
		result = e.deps.Waiter.Await(ctx, repo.Owner, repo.Name, pr.Number, ci.Timing{
			PollInterval: settings.PollInterval,
			MaxWait:      settings.MaxWait,
			SHA:          pr.HeadSHA,
		})
	case settings.CIEnabled:
		result = snapshot(ctx, host, repo, pr.Number, log)
	}

	diff, err := host.GetDiff(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching diff: %w", agent.ErrReviewFailure, err)
	}
	previous, err := host.ListReviews(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		log.Warn("listing previous reviews", zap.Error(err))
	}
	v, err := e.deps.Reviewer.Review(ctx, agent.ReviewRequest{
		Issue:           issue,
		PullRequest:     pr,
		Diff:            diff,
		CI:              result,
		PreviousReviews: previous,
		Extra:           settings.Prompts.Reviewer,
	})
	if err != nil {
		return nil, err
	}
	if err := e.deps.Reviewer.Publish(ctx, repo, pr, v, 0); err != nil {
		log.Warn("publishing review", zap.Error(err))
	}
	return &ReviewOutcome{Verdict: v, CI: result, PullRequest: pr}, nil
}

// relatedIssue finds the issue a pull request addresses: a #N reference in
// its description, then an issue-N branch. Without either the pull request
// stands in for the issue.
func relatedIssue(ctx context.Context, host provider.Provider, repo provider.Repo, pr *provider.PullRequest, log *zap.Logger) *provider.Issue {
	number := 0
	if m := issueRef.FindStringSubmatch(pr.Description); m != nil {
		number, _ = strconv.Atoi(m[1])
	} else if m := issueBranch.FindStringSubmatch(pr.SourceBranch); m != nil {
		number, _ = strconv.Atoi(m[1])
	}
	if number > 0 && number != pr.Number {
		issue, err := host.GetIssue(ctx, repo.Owner, repo.Name, number)
		if err == nil {
			return issue
		}
		log.Debug("fetching related issue", zap.Int("issue", number), zap.Error(err))
	}
	return &provider.Issue{
		Number: pr.Number,
		Title:  pr.Title,
		Body:   pr.Description,
		URL:    pr.URL,
	}
}

// snapshot reads CI once without waiting.
func snapshot(ctx context.Context, host provider.Provider, repo provider.Repo, number int, log *zap.Logger) ci.Result {
	status, err := host.GetCIStatus(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		log.Warn("reading CI status", zap.Error(err))
		return ci.Result{Outcome: ci.Pending}
	}
	out := ci.Pending
	switch status.State {
	case provider.CISuccess:
		out = ci.Success
	case provider.CIFailure:
		out = ci.Failure
	}
	return ci.Result{Outcome: out, Status: status}
}
