package provider

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested object does not exist on the host.
var ErrNotFound = errors.New("not found")

// Provider defines the interface for repository host operations.
type Provider interface {
	// Name returns the provider name (github, gitlab).
	Name() string

	// GetRepository fetches repository metadata.
	GetRepository(ctx context.Context, owner, repo string) (*Repository, error)

	// GetIssue fetches an issue by number.
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)

	// PostIssueComment posts a comment on an issue.
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error

	// FindPullRequest returns the open pull request whose head is branch, or nil.
	FindPullRequest(ctx context.Context, owner, repo, branch string) (*PullRequest, error)

	// GetPullRequest fetches a pull request by number.
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error)

	// CreateOrUpdatePullRequest opens a pull request for spec.Branch, or
	// updates the open one if it already exists.
	CreateOrUpdatePullRequest(ctx context.Context, owner, repo string, spec PullRequestSpec) (*PullRequest, error)

	// GetDiff returns the changed files of a pull request with their patches.
	GetDiff(ctx context.Context, owner, repo string, number int) (*Diff, error)

	// GetCIStatus returns the aggregated CI state of a pull request's head.
	GetCIStatus(ctx context.Context, owner, repo string, number int) (*CIStatus, error)

	// PostReview publishes a review on a pull request.
	PostReview(ctx context.Context, owner, repo string, number int, review Review) error

	// ListReviews returns reviews posted on a pull request, oldest first.
	ListReviews(ctx context.Context, owner, repo string, number int) ([]ReviewRecord, error)

	// ListTree returns file paths at ref, at most maxDepth levels deep.
	ListTree(ctx context.Context, owner, repo, ref string, maxDepth int) ([]string, error)

	// ReadFile returns the contents of path at ref. Missing files yield ErrNotFound.
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)

	// Credentials returns what git needs to push to the host.
	Credentials() Credentials
}
