// Package agent implements the code agent, which turns an issue into a pull
// request, and the reviewer agent, which judges that pull request.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/lca"
	"github.com/drewdunne/codeloop/internal/provider"
	"github.com/drewdunne/codeloop/internal/workspace"
)

var (
	// ErrCodeGeneration wraps every failure of a code agent pass.
	ErrCodeGeneration = errors.New("code generation failed")

	// ErrNoChanges indicates the generator produced nothing and did not
	// report that no change was needed.
	ErrNoChanges = fmt.Errorf("%w: no changes produced", ErrCodeGeneration)
)

// CodeRequest is one code agent pass.
type CodeRequest struct {
	Repo      provider.Repo
	Issue     *provider.Issue
	Iteration int
	// Feedback is the previous verdict rendered for the agent; empty on
	// the first pass.
	Feedback string
	// PullRequest is the run's pull request once one exists. Its branch
	// wins over Branch.
	PullRequest *provider.PullRequest
	Branch      string
	// Extra holds repository-specific instructions.
	Extra      string
	RunID      string
	Transcript io.Writer
}

// CodeResult describes what a pass produced.
type CodeResult struct {
	PullRequest *provider.PullRequest
	Branch      string
	CommitSHA   string
	Changed     []string
	Plan        string
	// NoChanges is set when the generator decided the branch already
	// satisfies the issue.
	NoChanges bool
}

// Task is what a Generator works on.
type Task struct {
	Host       provider.Provider
	Repo       provider.Repo
	Issue      *provider.Issue
	Iteration  int
	Feedback   string
	Extra      string
	Ref        string
	RunID      string
	Transcript io.Writer
}

// Generation is a generator's account of the edits it made to the tree.
type Generation struct {
	Plan            string
	CommitMessage   string
	NoChangesNeeded bool
}

// Generator edits a prepared working copy to address a task.
type Generator interface {
	Generate(ctx context.Context, tree *workspace.Tree, task Task) (*Generation, error)
}

// Preparer produces working copies.
type Preparer interface {
	Prepare(ctx context.Context, c workspace.Checkout) (*workspace.Tree, error)
}

// CodeAgent runs a Generator in a working copy and publishes the result as
// a pull request.
type CodeAgent struct {
	host      provider.Provider
	workspace Preparer
	generator Generator
	author    workspace.Author
	logger    *zap.Logger
}

// CodeOption configures a CodeAgent.
type CodeOption func(*CodeAgent)

// WithAuthor sets the commit author.
func WithAuthor(a workspace.Author) CodeOption {
	return func(c *CodeAgent) {
		c.author = a
	}
}

// WithCodeLogger sets the logger.
func WithCodeLogger(l *zap.Logger) CodeOption {
	return func(c *CodeAgent) {
		c.logger = l
	}
}

// NewCodeAgent creates a code agent for a host.
func NewCodeAgent(host provider.Provider, ws Preparer, gen Generator, opts ...CodeOption) *CodeAgent {
	c := &CodeAgent{
		host:      host,
		workspace: ws,
		generator: gen,
		author:    workspace.Author{Name: "Code Agent", Email: "code-agent@codeloop.local"},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BranchFor returns the working branch of an issue.
func BranchFor(prefix string, issue int) string {
	if prefix == "" {
		prefix = "issue-"
	}
	return fmt.Sprintf("%s%d", prefix, issue)
}

// Generate runs one pass: prepare the branch, generate, commit, push, and
// create or update the pull request. Every error is an ErrCodeGeneration.
func (c *CodeAgent) Generate(ctx context.Context, req CodeRequest) (*CodeResult, error) {
	res, err := c.generate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrCodeGeneration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCodeGeneration, err)
	}
	return res, nil
}

func (c *CodeAgent) generate(ctx context.Context, req CodeRequest) (*CodeResult, error) {
	if req.Issue == nil {
		return nil, fmt.Errorf("issue is required")
	}
	owner, name := req.Repo.Owner, req.Repo.Name

	branch := req.Branch
	if req.PullRequest != nil && req.PullRequest.SourceBranch != "" {
		branch = req.PullRequest.SourceBranch
	}
	if branch == "" {
		branch = BranchFor("", req.Issue.Number)
	}
	log := c.logger.With(
		zap.String("repo", req.Repo.FullName()),
		zap.Int("issue", req.Issue.Number),
		zap.Int("iteration", req.Iteration),
		zap.String("branch", branch),
	)

	meta, err := c.host.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("fetching repository: %w", err)
	}

	creds := c.host.Credentials()
	tree, err := c.workspace.Prepare(ctx, workspace.Checkout{
		Owner:         owner,
		Repo:          name,
		CloneURL:      meta.CloneURL,
		DefaultBranch: meta.DefaultBranch,
		Branch:        branch,
		Username:      creds.Username,
		Token:         creds.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	gen, err := c.generator.Generate(ctx, tree, Task{
		Host:       c.host,
		Repo:       req.Repo,
		Issue:      req.Issue,
		Iteration:  req.Iteration,
		Feedback:   req.Feedback,
		Extra:      req.Extra,
		Ref:        meta.DefaultBranch,
		RunID:      req.RunID,
		Transcript: req.Transcript,
	})
	if err != nil {
		return nil, err
	}

	changed, err := tree.ChangedPaths()
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 && !gen.NoChangesNeeded {
		return nil, ErrNoChanges
	}

	existing := req.PullRequest
	if existing == nil {
		existing, err = c.host.FindPullRequest(ctx, owner, name, branch)
		if err != nil {
			return nil, fmt.Errorf("looking up pull request: %w", err)
		}
	}

	// A pull request needs at least one commit over the base branch.
	sha, committed, err := tree.Commit(commitMessage(gen, req), c.author, existing == nil)
	if err != nil {
		return nil, err
	}
	if committed {
		if err := tree.Push(ctx); err != nil {
			return nil, err
		}
	}
	log.Info("code pass committed",
		zap.Bool("committed", committed),
		zap.String("sha", sha),
		zap.Int("files", len(changed)),
	)

	pr, err := c.host.CreateOrUpdatePullRequest(ctx, owner, name, provider.PullRequestSpec{
		Branch: branch,
		Base:   meta.DefaultBranch,
		Title:  fmt.Sprintf("%s (#%d)", req.Issue.Title, req.Issue.Number),
		Body:   pullRequestBody(req, gen, changed),
	})
	if err != nil {
		return nil, fmt.Errorf("publishing pull request: %w", err)
	}
	log.Info("pull request ready", zap.Int("pr", pr.Number), zap.String("url", pr.URL))

	return &CodeResult{
		PullRequest: pr,
		Branch:      branch,
		CommitSHA:   sha,
		Changed:     changed,
		Plan:        gen.Plan,
		NoChanges:   len(changed) == 0,
	}, nil
}

func commitMessage(gen *Generation, req CodeRequest) string {
	msg := strings.TrimSpace(gen.CommitMessage)
	if msg == "" {
		msg = fmt.Sprintf("Fix #%d: %s", req.Issue.Number, req.Issue.Title)
	}
	if !strings.Contains(msg, fmt.Sprintf("#%d", req.Issue.Number)) {
		msg += fmt.Sprintf("\n\nRefs #%d", req.Issue.Number)
	}
	return msg
}

func pullRequestBody(req CodeRequest, gen *Generation, changed []string) string {
	var sb strings.Builder
	sb.WriteString("## Summary\n\n")
	plan := strings.TrimSpace(gen.Plan)
	if plan == "" {
		plan = "Automated change for the linked issue."
	}
	sb.WriteString(plan)
	fmt.Fprintf(&sb, "\n\n**Iteration:** %d", req.Iteration)
	if len(changed) > 0 {
		sb.WriteString("\n**Affected area:** " + lca.Describe(changed))
		sb.WriteString("\n\n<details><summary>Changed files</summary>\n\n")
		for _, p := range changed {
			sb.WriteString("- `" + p + "`\n")
		}
		sb.WriteString("\n</details>")
	} else {
		sb.WriteString("\n\nNo file changes were needed in this iteration.")
	}
	fmt.Fprintf(&sb, "\n\nCloses #%d", req.Issue.Number)
	return sb.String()
}
