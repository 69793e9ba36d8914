// Package prompt builds the prompts sent to the code and reviewer agents.
package prompt

import (
	"fmt"
	"strings"

	"github.com/drewdunne/codeloop/internal/prompt/instructions"
	"github.com/drewdunne/codeloop/internal/provider"
)

// DefaultMaxDiffChars bounds the diff embedded in a review prompt.
const DefaultMaxDiffChars = 8000

// previousReviewChars bounds each earlier review quoted to the reviewer.
const previousReviewChars = 300

// Builder constructs prompts for the agents.
type Builder struct {
	maxDiffChars int
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxDiffChars sets the diff truncation limit.
func WithMaxDiffChars(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxDiffChars = n
		}
	}
}

// NewBuilder creates a new prompt builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{maxDiffChars: DefaultMaxDiffChars}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CodeInput is what the code agent is told about its task.
type CodeInput struct {
	Repo        string
	Issue       *provider.Issue
	Iteration   int
	Feedback    string
	RepoContext string
	Extra       string
}

// ReviewInput is what the reviewer is told about a pull request.
type ReviewInput struct {
	Issue           *provider.Issue
	PullRequest     *provider.PullRequest
	Diff            *provider.Diff
	CIOutcome       string
	Checks          []provider.Check
	PreviousReviews []provider.ReviewRecord
}

// CodeAgentSystem returns the code agent system prompt with repo-specific
// instructions appended.
func (b *Builder) CodeAgentSystem(extra string) string {
	return withExtra(instructions.CodeAgent(), extra)
}

// ReviewerSystem returns the reviewer system prompt with repo-specific
// instructions appended.
func (b *Builder) ReviewerSystem(extra string) string {
	return withExtra(instructions.Reviewer(), extra)
}

func withExtra(base, extra string) string {
	if strings.TrimSpace(extra) == "" {
		return base
	}
	return base + "\n\n## Repository Instructions\n" + strings.TrimSpace(extra)
}

// CodeAgent builds the user prompt for one code agent pass.
func (b *Builder) CodeAgent(in CodeInput) string {
	var parts []string

	parts = append(parts, fmt.Sprintf(`## Context
- Repository: %s
- Issue #%d
- Iteration: %d`, in.Repo, in.Issue.Number, in.Iteration))

	parts = append(parts, fmt.Sprintf("## Issue\n**Title:** %s\n\n%s", in.Issue.Title, orNone(in.Issue.Body)))

	if in.Feedback != "" {
		parts = append(parts, fmt.Sprintf("## Reviewer Feedback (iteration %d)\n%s\n\nAddress every point above in this iteration.",
			in.Iteration-1, in.Feedback))
	}

	if in.RepoContext != "" {
		parts = append(parts, "## Project Context\n"+in.RepoContext+
			"\n\nUse this context to match the project's architecture, style, imports and dependencies.")
	} else {
		parts = append(parts, "## Project Context\nUnavailable. Follow common conventions for the language in use.")
	}

	parts = append(parts, `## Task
1. Analyze the requirements.
2. Decide which files to create, modify or delete.
3. Implement the change and respond with the JSON object described in your instructions.`)

	return strings.Join(parts, "\n\n")
}

// Reviewer builds the user prompt for reviewing a pull request.
func (b *Builder) Reviewer(in ReviewInput) string {
	var parts []string

	if in.Issue != nil {
		parts = append(parts, fmt.Sprintf("## Issue #%d\n**Title:** %s\n\n%s", in.Issue.Number, in.Issue.Title, orNone(in.Issue.Body)))
	}
	parts = append(parts, fmt.Sprintf("## Pull Request #%d\n**Title:** %s\n\n%s",
		in.PullRequest.Number, in.PullRequest.Title, orNone(in.PullRequest.Description)))

	var paths []string
	var unified string
	if in.Diff != nil {
		paths = in.Diff.Paths()
		unified = in.Diff.Unified()
	}
	files := "None"
	if len(paths) > 0 {
		files = strings.Join(paths, ", ")
	}
	parts = append(parts, "## Changed Files\n"+files)
	parts = append(parts, b.diffSection(unified))
	parts = append(parts, ciSection(in.CIOutcome, in.Checks))

	if len(in.PreviousReviews) > 0 {
		parts = append(parts, previousSection(in.PreviousReviews))
	}

	parts = append(parts, `## Task
1. Check that the change implements the issue.
2. Assess code quality: clean code, patterns, no duplication, no workarounds.
3. Look for security and performance problems.
4. Take the CI results into account. Failing checks block approval.
5. Respond with the JSON object described in your instructions.`)

	return strings.Join(parts, "\n\n")
}

func (b *Builder) diffSection(diff string) string {
	if diff == "" {
		return "## Diff\n(empty)"
	}
	notice := ""
	if len(diff) > b.maxDiffChars {
		diff = diff[:b.maxDiffChars]
		notice = fmt.Sprintf("\n(diff truncated, showing the first %d characters)", b.maxDiffChars)
	}
	return "## Diff\n```diff\n" + diff + "\n```" + notice
}

func ciSection(outcome string, checks []provider.Check) string {
	var sb strings.Builder
	sb.WriteString("## CI Results\n")
	switch {
	case outcome == "skipped":
		sb.WriteString("CI is not configured for this repository.")
		return sb.String()
	case len(checks) == 0:
		fmt.Fprintf(&sb, "Overall: %s. No checks reported.", orNone(outcome))
		return sb.String()
	}
	fmt.Fprintf(&sb, "Overall: %s\n", outcome)
	for _, c := range checks {
		fmt.Fprintf(&sb, "\n- %s %s: %s", checkIcon(c.State), c.Name, c.State)
	}
	return sb.String()
}

func checkIcon(s provider.CIState) string {
	switch s {
	case provider.CISuccess:
		return "✅"
	case provider.CIFailure:
		return "❌"
	}
	return "⏳"
}

func previousSection(reviews []provider.ReviewRecord) string {
	if len(reviews) > 2 {
		reviews = reviews[len(reviews)-2:]
	}
	var sb strings.Builder
	sb.WriteString("## Previous Reviews")
	for _, r := range reviews {
		body := r.Body
		if len(body) > previousReviewChars {
			body = body[:previousReviewChars] + "..."
		}
		fmt.Fprintf(&sb, "\n- %s: %s", orNone(r.State), body)
	}
	return sb.String()
}

// Container builds the task handed to the container code generator. The
// container explores the checkout itself, so no repository context is sent.
func (b *Builder) Container(in CodeInput) string {
	in.RepoContext = "The repository is checked out at /workspace on the working branch."
	return b.CodeAgent(in) + withExtraSection(in.Extra)
}

func withExtraSection(extra string) string {
	if strings.TrimSpace(extra) == "" {
		return ""
	}
	return "\n\n## Repository Instructions\n" + strings.TrimSpace(extra)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
