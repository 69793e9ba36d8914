// Package providertest provides an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drewdunne/codeloop/internal/provider"
)

// PostedReview records a PostReview call.
type PostedReview struct {
	Number int
	Review provider.Review
}

// PostedComment records a PostIssueComment call.
type PostedComment struct {
	Number int
	Body   string
}

// Fake is an in-memory repository host. Pull requests are keyed by branch,
// so creating twice for the same branch updates the existing one.
type Fake struct {
	mu sync.Mutex

	Repository provider.Repository
	Issues     map[int]*provider.Issue
	Files      map[string][]byte
	Tree       []string
	Creds      provider.Credentials

	// CI is returned by successive GetCIStatus calls; the last entry repeats.
	CI []provider.CIState

	// Errs makes the named method fail with the given error.
	Errs map[string]error

	prs      map[int]*provider.PullRequest
	diffs    map[int]*provider.Diff
	reviews  map[int][]provider.ReviewRecord
	nextPR   int
	ciPolls  int
	calls    map[string]int
	posted   []PostedReview
	comments []PostedComment
}

// New returns a Fake for owner/repo with the given issues.
func New(issues ...*provider.Issue) *Fake {
	f := &Fake{
		Repository: provider.Repository{
			ID:            1,
			Name:          "repo",
			FullName:      "owner/repo",
			CloneURL:      "https://example.com/owner/repo.git",
			DefaultBranch: "main",
		},
		Issues:  map[int]*provider.Issue{},
		Files:   map[string][]byte{},
		Errs:    map[string]error{},
		prs:     map[int]*provider.PullRequest{},
		diffs:   map[int]*provider.Diff{},
		reviews: map[int][]provider.ReviewRecord{},
		nextPR:  100,
		calls:   map[string]int{},
	}
	for _, is := range issues {
		f.Issues[is.Number] = is
	}
	return f
}

func (f *Fake) record(method string) error {
	f.calls[method]++
	return f.Errs[method]
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// PullRequests returns every pull request created, ordered by number.
func (f *Fake) PullRequests() []provider.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.PullRequest, 0, len(f.prs))
	for _, pr := range f.prs {
		out = append(out, *pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// AddPullRequest registers an existing pull request.
func (f *Fake) AddPullRequest(pr provider.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr.State == "" {
		pr.State = "open"
	}
	f.prs[pr.Number] = &pr
}

// SetDiff sets the diff returned for a pull request.
func (f *Fake) SetDiff(number int, d *provider.Diff) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs[number] = d
}

// AddReview registers a review already on a pull request.
func (f *Fake) AddReview(number int, r provider.ReviewRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews[number] = append(f.reviews[number], r)
}

// PostedReviews returns reviews published through PostReview.
func (f *Fake) PostedReviews() []PostedReview {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PostedReview(nil), f.posted...)
}

// IssueComments returns comments published through PostIssueComment.
func (f *Fake) IssueComments() []PostedComment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PostedComment(nil), f.comments...)
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) GetRepository(ctx context.Context, owner, repo string) (*provider.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRepository"); err != nil {
		return nil, err
	}
	r := f.Repository
	return &r, nil
}

func (f *Fake) GetIssue(ctx context.Context, owner, repo string, number int) (*provider.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetIssue"); err != nil {
		return nil, err
	}
	is, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d: %w", number, provider.ErrNotFound)
	}
	c := *is
	return &c, nil
}

func (f *Fake) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PostIssueComment"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.comments = append(f.comments, PostedComment{Number: number, Body: body})
	return nil
}

func (f *Fake) FindPullRequest(ctx context.Context, owner, repo, branch string) (*provider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindPullRequest"); err != nil {
		return nil, err
	}
	if pr := f.findOpen(branch); pr != nil {
		c := *pr
		return &c, nil
	}
	return nil, nil
}

func (f *Fake) findOpen(branch string) *provider.PullRequest {
	for _, pr := range f.prs {
		if pr.SourceBranch == branch && pr.State == "open" {
			return pr
		}
	}
	return nil
}

func (f *Fake) GetPullRequest(ctx context.Context, owner, repo string, number int) (*provider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPullRequest"); err != nil {
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d: %w", number, provider.ErrNotFound)
	}
	c := *pr
	return &c, nil
}

func (f *Fake) CreateOrUpdatePullRequest(ctx context.Context, owner, repo string, spec provider.PullRequestSpec) (*provider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateOrUpdatePullRequest"); err != nil {
		return nil, err
	}
	now := time.Now()
	pr := f.findOpen(spec.Branch)
	if pr == nil {
		f.nextPR++
		pr = &provider.PullRequest{
			ID:           f.nextPR,
			Number:       f.nextPR,
			SourceBranch: spec.Branch,
			TargetBranch: spec.Base,
			State:        "open",
			URL:          fmt.Sprintf("https://example.com/%s/%s/pull/%d", owner, repo, f.nextPR),
			CreatedAt:    now,
		}
		f.prs[pr.Number] = pr
	}
	pr.Title = spec.Title
	pr.Description = spec.Body
	pr.HeadSHA = fmt.Sprintf("sha-%d-%d", pr.Number, f.calls["CreateOrUpdatePullRequest"])
	pr.UpdatedAt = now
	c := *pr
	return &c, nil
}

func (f *Fake) GetDiff(ctx context.Context, owner, repo string, number int) (*provider.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetDiff"); err != nil {
		return nil, err
	}
	if d, ok := f.diffs[number]; ok {
		return d, nil
	}
	return &provider.Diff{Files: []provider.ChangedFile{
		{Path: "main.go", Status: "modified", Additions: 1, Deletions: 1, Patch: "@@ -1 +1 @@\n-old\n+new\n"},
	}}, nil
}

func (f *Fake) GetCIStatus(ctx context.Context, owner, repo string, number int) (*provider.CIStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCIStatus"); err != nil {
		return nil, err
	}
	state := provider.CISuccess
	if len(f.CI) > 0 {
		idx := f.ciPolls
		if idx >= len(f.CI) {
			idx = len(f.CI) - 1
		}
		state = f.CI[idx]
	}
	f.ciPolls++
	var sha string
	if pr, ok := f.prs[number]; ok {
		sha = pr.HeadSHA
	}
	return &provider.CIStatus{
		SHA:    sha,
		State:  state,
		Checks: []provider.Check{{Name: "build", State: state}},
	}, nil
}

func (f *Fake) PostReview(ctx context.Context, owner, repo string, number int, review provider.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PostReview"); err != nil {
		return err
	}
	f.posted = append(f.posted, PostedReview{Number: number, Review: review})
	f.reviews[number] = append(f.reviews[number], provider.ReviewRecord{
		ID:          int64(len(f.posted)),
		Body:        review.Body,
		Author:      "codeloop",
		State:       "COMMENTED",
		SubmittedAt: time.Now(),
	})
	return nil
}

func (f *Fake) ListReviews(ctx context.Context, owner, repo string, number int) ([]provider.ReviewRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListReviews"); err != nil {
		return nil, err
	}
	return append([]provider.ReviewRecord(nil), f.reviews[number]...), nil
}

func (f *Fake) ListTree(ctx context.Context, owner, repo, ref string, maxDepth int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListTree"); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range f.Tree {
		if strings.Count(p, "/") < maxDepth {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ReadFile"); err != nil {
		return nil, err
	}
	data, ok := f.Files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, provider.ErrNotFound)
	}
	return data, nil
}

func (f *Fake) Credentials() provider.Credentials {
	return f.Creds
}

var _ provider.Provider = (*Fake)(nil)
