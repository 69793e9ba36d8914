package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/retry"
	"github.com/xanzy/go-gitlab"
)

// GitLabProvider implements provider.Provider for GitLab.
type GitLabProvider struct {
	client *gitlab.Client
	token  string
}

// Option configures the GitLab provider.
type Option func(*GitLabProvider)

// WithBaseURL sets a custom base URL (self-managed instances or tests).
func WithBaseURL(baseURL string) Option {
	return func(p *GitLabProvider) {
		p.client, _ = gitlab.NewClient(p.token,
			gitlab.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/api/v4"),
			gitlab.WithoutRetries(),
		)
	}
}

// New creates a new GitLab provider. Retries are left to provider.Throttled.
func New(token string, opts ...Option) *GitLabProvider {
	client, _ := gitlab.NewClient(token, gitlab.WithoutRetries())
	p := &GitLabProvider{client: client, token: token}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the provider name.
func (p *GitLabProvider) Name() string {
	return "gitlab"
}

// projectPath identifies a project by its full path. go-gitlab escapes it.
func projectPath(owner, repo string) string {
	return owner + "/" + repo
}

func classify(action string, resp *gitlab.Response, err error) error {
	code := 0
	if resp != nil && resp.Response != nil {
		code = resp.StatusCode
	}
	var respErr *gitlab.ErrorResponse
	if code == 0 && errors.As(err, &respErr) && respErr.Response != nil {
		code = respErr.Response.StatusCode
	}

	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", action, provider.ErrNotFound, err)
	case retry.RetryableStatus(code):
		return retry.Transient(fmt.Errorf("%s: %w", action, err))
	}
	return fmt.Errorf("%s: %w", action, err)
}

// GetRepository fetches repository metadata.
func (p *GitLabProvider) GetRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	project, resp, err := p.client.Projects.GetProject(projectPath(owner, repo), nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("fetching project", resp, err)
	}

	return &provider.Repository{
		ID:            project.ID,
		Name:          project.Name,
		FullName:      project.PathWithNamespace,
		CloneURL:      project.HTTPURLToRepo,
		SSHURL:        project.SSHURLToRepo,
		DefaultBranch: project.DefaultBranch,
	}, nil
}

// GetIssue fetches an issue by IID.
func (p *GitLabProvider) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	is, resp, err := p.client.Issues.GetIssue(projectPath(owner, repo), number, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("fetching issue", resp, err)
	}

	result := &provider.Issue{
		Number: is.IID,
		Title:  is.Title,
		Body:   is.Description,
		State:  is.State,
		Labels: append([]string(nil), is.Labels...),
		URL:    is.WebURL,
	}
	if is.Author != nil {
		result.Author = is.Author.Username
	}
	return result, nil
}

// PostIssueComment posts a note on an issue.
func (p *GitLabProvider) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, resp, err := p.client.Notes.CreateIssueNote(projectPath(owner, repo), number, &gitlab.CreateIssueNoteOptions{
		Body: &body,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify("posting comment", resp, err)
	}
	return nil
}

// FindPullRequest returns the open merge request for branch, or nil.
func (p *GitLabProvider) FindPullRequest(ctx context.Context, owner, repo, branch string) (*provider.PullRequest, error) {
	mrs, resp, err := p.client.MergeRequests.ListProjectMergeRequests(projectPath(owner, repo), &gitlab.ListProjectMergeRequestsOptions{
		State:        gitlab.Ptr("opened"),
		SourceBranch: gitlab.Ptr(branch),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("listing merge requests", resp, err)
	}
	for _, mr := range mrs {
		if mr.SourceBranch == branch {
			return convertMR(mr), nil
		}
	}
	return nil, nil
}

// GetPullRequest fetches a merge request by IID.
func (p *GitLabProvider) GetPullRequest(ctx context.Context, owner, repo string, number int) (*provider.PullRequest, error) {
	mr, resp, err := p.client.MergeRequests.GetMergeRequest(projectPath(owner, repo), number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("fetching merge request", resp, err)
	}
	return convertMR(mr), nil
}

func convertMR(mr *gitlab.MergeRequest) *provider.PullRequest {
	result := &provider.PullRequest{
		ID:           mr.ID,
		Number:       mr.IID,
		Title:        mr.Title,
		Description:  mr.Description,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		HeadSHA:      mr.SHA,
		State:        normalizeState(mr.State),
		URL:          mr.WebURL,
	}
	if mr.Author != nil {
		result.Author = mr.Author.Username
	}
	if mr.CreatedAt != nil {
		result.CreatedAt = *mr.CreatedAt
	}
	if mr.UpdatedAt != nil {
		result.UpdatedAt = *mr.UpdatedAt
	}
	return result
}

func normalizeState(state string) string {
	if state == "opened" {
		return "open"
	}
	return state
}

// CreateOrUpdatePullRequest updates the open merge request for spec.Branch
// or creates one.
func (p *GitLabProvider) CreateOrUpdatePullRequest(ctx context.Context, owner, repo string, spec provider.PullRequestSpec) (*provider.PullRequest, error) {
	existing, err := p.FindPullRequest(ctx, owner, repo, spec.Branch)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		mr, resp, err := p.client.MergeRequests.UpdateMergeRequest(projectPath(owner, repo), existing.Number, &gitlab.UpdateMergeRequestOptions{
			Title:       &spec.Title,
			Description: &spec.Body,
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, classify("updating merge request", resp, err)
		}
		return convertMR(mr), nil
	}

	mr, resp, err := p.client.MergeRequests.CreateMergeRequest(projectPath(owner, repo), &gitlab.CreateMergeRequestOptions{
		Title:        &spec.Title,
		Description:  &spec.Body,
		SourceBranch: &spec.Branch,
		TargetBranch: &spec.Base,
	}, gitlab.WithContext(ctx))
	if err != nil {
		// 409: another writer opened it between the lookup and the create.
		if resp != nil && resp.StatusCode == http.StatusConflict {
			if existing, ferr := p.FindPullRequest(ctx, owner, repo, spec.Branch); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, classify("creating merge request", resp, err)
	}
	return convertMR(mr), nil
}

// GetDiff returns files changed in a merge request with their patches.
func (p *GitLabProvider) GetDiff(ctx context.Context, owner, repo string, number int) (*provider.Diff, error) {
	changes, resp, err := p.client.MergeRequests.GetMergeRequestChanges(projectPath(owner, repo), number, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("fetching merge request changes", resp, err)
	}

	diff := &provider.Diff{}
	for _, c := range changes.Changes {
		status := "modified"
		if c.NewFile {
			status = "added"
		} else if c.DeletedFile {
			status = "deleted"
		} else if c.RenamedFile {
			status = "renamed"
		}
		adds, dels := countLines(c.Diff)
		diff.Files = append(diff.Files, provider.ChangedFile{
			Path:      c.NewPath,
			Status:    status,
			Additions: adds,
			Deletions: dels,
			Patch:     c.Diff,
		})
	}
	return diff, nil
}

func countLines(patch string) (adds, dels int) {
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			adds++
		case strings.HasPrefix(line, "-"):
			dels++
		}
	}
	return adds, dels
}

// GetCIStatus aggregates the commit statuses on the merge request head.
func (p *GitLabProvider) GetCIStatus(ctx context.Context, owner, repo string, number int) (*provider.CIStatus, error) {
	mr, err := p.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	statuses, resp, err := p.client.Commits.GetCommitStatuses(projectPath(owner, repo), mr.HeadSHA, &gitlab.GetCommitStatusesOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("fetching commit statuses", resp, err)
	}

	checks := make([]provider.Check, 0, len(statuses))
	for _, s := range statuses {
		checks = append(checks, provider.Check{
			Name:  s.Name,
			State: provider.StatusState(s.Status),
			URL:   s.TargetURL,
		})
	}

	return &provider.CIStatus{
		SHA:    mr.HeadSHA,
		State:  provider.Aggregate(checks),
		Checks: checks,
	}, nil
}

// PostReview posts the review as a merge request note. Inline comments are
// appended to the body since positioned discussions need diff refs.
func (p *GitLabProvider) PostReview(ctx context.Context, owner, repo string, number int, review provider.Review) error {
	body := review.Body
	if len(review.Comments) > 0 {
		var sb strings.Builder
		sb.WriteString(body)
		sb.WriteString("\n\n### Inline comments\n")
		for _, c := range review.Comments {
			fmt.Fprintf(&sb, "\n- `%s:%d`: %s", c.Path, c.Line, c.Body)
		}
		body = sb.String()
	}

	_, resp, err := p.client.Notes.CreateMergeRequestNote(projectPath(owner, repo), number, &gitlab.CreateMergeRequestNoteOptions{
		Body: &body,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return classify("posting review", resp, err)
	}
	return nil
}

// ListReviews returns the non-system notes on a merge request, oldest first.
func (p *GitLabProvider) ListReviews(ctx context.Context, owner, repo string, number int) ([]provider.ReviewRecord, error) {
	notes, resp, err := p.client.Notes.ListMergeRequestNotes(projectPath(owner, repo), number, &gitlab.ListMergeRequestNotesOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		OrderBy:     gitlab.Ptr("created_at"),
		Sort:        gitlab.Ptr("asc"),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("listing notes", resp, err)
	}

	var result []provider.ReviewRecord
	for _, n := range notes {
		if n.System {
			continue
		}
		r := provider.ReviewRecord{
			ID:     int64(n.ID),
			Body:   n.Body,
			Author: n.Author.Username,
			State:  "COMMENTED",
		}
		if n.CreatedAt != nil {
			r.SubmittedAt = *n.CreatedAt
		}
		result = append(result, r)
	}
	return result, nil
}

// ListTree returns blob paths at ref up to maxDepth path segments.
func (p *GitLabProvider) ListTree(ctx context.Context, owner, repo, ref string, maxDepth int) ([]string, error) {
	opts := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		Ref:         gitlab.Ptr(ref),
		Recursive:   gitlab.Ptr(true),
	}

	var paths []string
	for {
		nodes, resp, err := p.client.Repositories.ListTree(projectPath(owner, repo), opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, classify("listing tree", resp, err)
		}
		for _, n := range nodes {
			if n.Type != "blob" {
				continue
			}
			if maxDepth > 0 && strings.Count(n.Path, "/") >= maxDepth {
				continue
			}
			paths = append(paths, n.Path)
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return paths, nil
}

// ReadFile returns the raw contents of path at ref.
func (p *GitLabProvider) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	opts := &gitlab.GetRawFileOptions{}
	if ref != "" {
		opts.Ref = gitlab.Ptr(ref)
	}
	data, resp, err := p.client.RepositoryFiles.GetRawFile(projectPath(owner, repo), path, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classify("reading file", resp, err)
	}
	return data, nil
}

// Credentials returns the token for HTTPS pushes.
// GitLab accepts oauth2 as the username for token auth.
func (p *GitLabProvider) Credentials() provider.Credentials {
	return provider.Credentials{Username: "oauth2", Token: p.token}
}

var _ provider.Provider = (*GitLabProvider)(nil)
