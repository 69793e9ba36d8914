package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/retry"
	"github.com/google/go-github/v60/github"
)

// GitHubProvider implements provider.Provider for GitHub.
type GitHubProvider struct {
	client *github.Client
	token  string
}

// Option configures the GitHub provider.
type Option func(*GitHubProvider)

// WithBaseURL sets a custom API base URL (GitHub Enterprise or tests).
func WithBaseURL(url string) Option {
	return func(p *GitHubProvider) {
		p.client.BaseURL, _ = p.client.BaseURL.Parse(strings.TrimSuffix(url, "/") + "/")
	}
}

// New creates a new GitHub provider.
func New(token string, opts ...Option) *GitHubProvider {
	httpClient := &http.Client{
		Transport: &tokenTransport{token: token},
	}
	client := github.NewClient(httpClient)

	p := &GitHubProvider{
		client: client,
		token:  token,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// tokenTransport adds authorization header to requests.
type tokenTransport struct {
	token string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// Name returns the provider name.
func (p *GitHubProvider) Name() string {
	return "github"
}

// classify wraps err with the action, marking rate limits and server errors
// as transient and 404s as provider.ErrNotFound.
func classify(action string, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var respErr *github.ErrorResponse

	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return retry.Transient(fmt.Errorf("%s: %w", action, err))
	case errors.As(err, &respErr) && respErr.Response != nil:
		code := respErr.Response.StatusCode
		if code == http.StatusNotFound {
			return fmt.Errorf("%s: %w: %w", action, provider.ErrNotFound, err)
		}
		if retry.RetryableStatus(code) {
			return retry.Transient(fmt.Errorf("%s: %w", action, err))
		}
	}
	return fmt.Errorf("%s: %w", action, err)
}

func statusCode(err error) int {
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode
	}
	return 0
}

// GetRepository fetches repository metadata.
func (p *GitHubProvider) GetRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	r, _, err := p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, classify("fetching repository", err)
	}

	return &provider.Repository{
		ID:            int(r.GetID()),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		SSHURL:        r.GetSSHURL(),
		DefaultBranch: r.GetDefaultBranch(),
	}, nil
}

// GetIssue fetches an issue by number.
func (p *GitHubProvider) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	is, _, err := p.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("fetching issue", err)
	}

	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	return &provider.Issue{
		Number: is.GetNumber(),
		Title:  is.GetTitle(),
		Body:   is.GetBody(),
		State:  is.GetState(),
		Author: is.GetUser().GetLogin(),
		Labels: labels,
		URL:    is.GetHTMLURL(),
	}, nil
}

// PostIssueComment posts a comment on an issue.
func (p *GitHubProvider) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := p.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: &body,
	})
	if err != nil {
		return classify("posting comment", err)
	}
	return nil
}

// FindPullRequest returns the open pull request for branch, or nil.
func (p *GitHubProvider) FindPullRequest(ctx context.Context, owner, repo, branch string) (*provider.PullRequest, error) {
	prs, _, err := p.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return nil, classify("listing pull requests", err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch {
			return convertPR(pr), nil
		}
	}
	return nil, nil
}

// GetPullRequest fetches a pull request by number.
func (p *GitHubProvider) GetPullRequest(ctx context.Context, owner, repo string, number int) (*provider.PullRequest, error) {
	pr, _, err := p.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify("fetching pull request", err)
	}
	return convertPR(pr), nil
}

func convertPR(pr *github.PullRequest) *provider.PullRequest {
	state := pr.GetState()
	if pr.GetMerged() {
		state = "merged"
	}
	return &provider.PullRequest{
		ID:           int(pr.GetID()),
		Number:       pr.GetNumber(),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		HeadSHA:      pr.GetHead().GetSHA(),
		State:        state,
		Author:       pr.GetUser().GetLogin(),
		URL:          pr.GetHTMLURL(),
		CreatedAt:    pr.GetCreatedAt().Time,
		UpdatedAt:    pr.GetUpdatedAt().Time,
	}
}

// CreateOrUpdatePullRequest updates the open pull request for spec.Branch
// or creates one.
func (p *GitHubProvider) CreateOrUpdatePullRequest(ctx context.Context, owner, repo string, spec provider.PullRequestSpec) (*provider.PullRequest, error) {
	existing, err := p.FindPullRequest(ctx, owner, repo, spec.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		pr, _, err := p.client.PullRequests.Edit(ctx, owner, repo, existing.Number, &github.PullRequest{
			Title: &spec.Title,
			Body:  &spec.Body,
		})
		if err != nil {
			return nil, classify("updating pull request", err)
		}
		return convertPR(pr), nil
	}

	pr, _, err := p.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &spec.Title,
		Head:  &spec.Branch,
		Base:  &spec.Base,
		Body:  &spec.Body,
	})
	if err != nil {
		// Another writer opened it between the lookup and the create.
		if statusCode(err) == http.StatusUnprocessableEntity {
			if existing, ferr := p.FindPullRequest(ctx, owner, repo, spec.Branch); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, classify("creating pull request", err)
	}
	return convertPR(pr), nil
}

// GetDiff returns files changed in a pull request with their patches.
func (p *GitHubProvider) GetDiff(ctx context.Context, owner, repo string, number int) (*provider.Diff, error) {
	opts := &github.ListOptions{PerPage: 100}
	diff := &provider.Diff{}
	for {
		files, resp, err := p.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classify("listing changed files", err)
		}
		for _, f := range files {
			diff.Files = append(diff.Files, provider.ChangedFile{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Patch:     f.GetPatch(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return diff, nil
}

// GetCIStatus combines commit statuses and check runs on the pull request head.
func (p *GitHubProvider) GetCIStatus(ctx context.Context, owner, repo string, number int) (*provider.CIStatus, error) {
	pr, err := p.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	sha := pr.HeadSHA

	var checks []provider.Check

	combined, _, err := p.client.Repositories.GetCombinedStatus(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, classify("fetching commit status", err)
	}
	for _, s := range combined.Statuses {
		checks = append(checks, provider.Check{
			Name:  s.GetContext(),
			State: provider.StatusState(s.GetState()),
			URL:   s.GetTargetURL(),
		})
	}

	runs, _, err := p.client.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify("listing check runs", err)
	}
	for _, r := range runs.CheckRuns {
		checks = append(checks, provider.Check{
			Name:  r.GetName(),
			State: provider.CheckRunState(r.GetStatus(), r.GetConclusion()),
			URL:   r.GetHTMLURL(),
		})
	}

	return &provider.CIStatus{
		SHA:    sha,
		State:  provider.Aggregate(checks),
		Checks: checks,
	}, nil
}

// PostReview publishes a COMMENT review. GitHub rejects approvals from the
// pull request author, so the disposition lives in the body. Inline comments
// the API refuses (lines outside the diff) are dropped and the review re-sent.
func (p *GitHubProvider) PostReview(ctx context.Context, owner, repo string, number int, review provider.Review) error {
	event := "COMMENT"
	req := &github.PullRequestReviewRequest{
		Body:  &review.Body,
		Event: &event,
	}
	for _, c := range review.Comments {
		side := "RIGHT"
		req.Comments = append(req.Comments, &github.DraftReviewComment{
			Path: &c.Path,
			Body: &c.Body,
			Line: &c.Line,
			Side: &side,
		})
	}

	_, _, err := p.client.PullRequests.CreateReview(ctx, owner, repo, number, req)
	if err != nil && len(req.Comments) > 0 && statusCode(err) == http.StatusUnprocessableEntity {
		req.Comments = nil
		_, _, err = p.client.PullRequests.CreateReview(ctx, owner, repo, number, req)
	}
	if err != nil {
		return classify("posting review", err)
	}
	return nil
}

// ListReviews returns reviews on a pull request, oldest first.
func (p *GitHubProvider) ListReviews(ctx context.Context, owner, repo string, number int) ([]provider.ReviewRecord, error) {
	reviews, _, err := p.client.PullRequests.ListReviews(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify("listing reviews", err)
	}

	result := make([]provider.ReviewRecord, len(reviews))
	for i, r := range reviews {
		result[i] = provider.ReviewRecord{
			ID:          r.GetID(),
			Body:        r.GetBody(),
			Author:      r.GetUser().GetLogin(),
			State:       r.GetState(),
			SubmittedAt: r.GetSubmittedAt().Time,
		}
	}
	return result, nil
}

// ListTree returns blob paths at ref up to maxDepth path segments.
func (p *GitHubProvider) ListTree(ctx context.Context, owner, repo, ref string, maxDepth int) ([]string, error) {
	tree, _, err := p.client.Git.GetTree(ctx, owner, repo, ref, true)
	if err != nil {
		return nil, classify("fetching tree", err)
	}

	var paths []string
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		if maxDepth > 0 && strings.Count(e.GetPath(), "/") >= maxDepth {
			continue
		}
		paths = append(paths, e.GetPath())
	}
	return paths, nil
}

// ReadFile returns the contents of path at ref.
func (p *GitHubProvider) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, _, err := p.client.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return nil, classify("reading file", err)
	}
	if file == nil {
		return nil, fmt.Errorf("reading file %s: is a directory: %w", path, provider.ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding file %s: %w", path, err)
	}
	return []byte(content), nil
}

// Credentials returns the token for HTTPS pushes.
// GitHub accepts x-access-token as the username for token auth.
func (p *GitHubProvider) Credentials() provider.Credentials {
	return provider.Credentials{Username: "x-access-token", Token: p.token}
}

var _ provider.Provider = (*GitHubProvider)(nil)
