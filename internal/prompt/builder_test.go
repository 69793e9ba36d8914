package prompt

import (
	"strings"
	"testing"

	"github.com/drewdunne/codeloop/internal/provider"
)

var issue = &provider.Issue{Number: 42, Title: "Add /health endpoint", Body: "Return 200 with JSON status."}

func TestBuilder_CodeAgent(t *testing.T) {
	builder := NewBuilder()

	prompt := builder.CodeAgent(CodeInput{
		Repo:        "owner/repo",
		Issue:       issue,
		Iteration:   2,
		Feedback:    "Add a test for the handler",
		RepoContext: "### README.md\nA web service",
	})

	for _, want := range []string{
		"Repository: owner/repo",
		"Issue #42",
		"Iteration: 2",
		"Add /health endpoint",
		"Reviewer Feedback (iteration 1)",
		"Add a test for the handler",
		"A web service",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuilder_CodeAgent_FirstIteration(t *testing.T) {
	builder := NewBuilder()

	prompt := builder.CodeAgent(CodeInput{Repo: "owner/repo", Issue: issue, Iteration: 1})

	if strings.Contains(prompt, "Reviewer Feedback") {
		t.Error("first iteration prompt should not contain a feedback section")
	}
	if !strings.Contains(prompt, "Unavailable") {
		t.Error("prompt should note missing project context")
	}
}

func TestBuilder_SystemExtra(t *testing.T) {
	builder := NewBuilder()

	base := builder.ReviewerSystem("")
	withExtra := builder.ReviewerSystem("Reject any change without tests.")

	if strings.Contains(base, "Repository Instructions") {
		t.Error("system prompt without extra should not have a repository section")
	}
	if !strings.Contains(withExtra, "## Repository Instructions\nReject any change without tests.") {
		t.Errorf("system prompt missing extra instructions:\n%s", withExtra)
	}
	if !strings.HasPrefix(builder.CodeAgentSystem("x"), "# Code Agent") {
		t.Error("code agent system prompt should start with the embedded instructions")
	}
}

func TestBuilder_Reviewer(t *testing.T) {
	builder := NewBuilder()

	prompt := builder.Reviewer(ReviewInput{
		Issue:       issue,
		PullRequest: &provider.PullRequest{Number: 7, Title: "Add /health endpoint (#42)", Description: "Closes #42"},
		Diff: &provider.Diff{Files: []provider.ChangedFile{
			{Path: "server.go", Patch: "@@ -1 +1 @@\n+health"},
		}},
		CIOutcome: "failure",
		Checks: []provider.Check{
			{Name: "test", State: provider.CIFailure},
			{Name: "lint", State: provider.CISuccess},
		},
		PreviousReviews: []provider.ReviewRecord{
			{State: "COMMENTED", Body: "first"},
			{State: "COMMENTED", Body: "second"},
			{State: "COMMENTED", Body: "third"},
		},
	})

	for _, want := range []string{
		"## Issue #42",
		"## Pull Request #7",
		"server.go",
		"+health",
		"Overall: failure",
		"❌ test: failure",
		"✅ lint: success",
		"second",
		"third",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "- COMMENTED: first") {
		t.Error("only the last two previous reviews should be included")
	}
}

func TestBuilder_Reviewer_TruncatesDiff(t *testing.T) {
	builder := NewBuilder(WithMaxDiffChars(50))

	prompt := builder.Reviewer(ReviewInput{
		PullRequest: &provider.PullRequest{Number: 1, Title: "t"},
		Diff: &provider.Diff{Files: []provider.ChangedFile{
			{Path: "big.go", Patch: strings.Repeat("+x\n", 100)},
		}},
		CIOutcome: "success",
	})

	if !strings.Contains(prompt, "diff truncated, showing the first 50 characters") {
		t.Error("prompt should carry a truncation notice")
	}
	if strings.Count(prompt, "+x") > 25 {
		t.Error("diff was not truncated")
	}
}

func TestBuilder_Reviewer_CISkipped(t *testing.T) {
	prompt := NewBuilder().Reviewer(ReviewInput{
		PullRequest: &provider.PullRequest{Number: 1, Title: "t"},
		CIOutcome:   "skipped",
	})
	if !strings.Contains(prompt, "CI is not configured") {
		t.Error("prompt should say CI is not configured")
	}
	if !strings.Contains(prompt, "## Diff\n(empty)") {
		t.Error("prompt should mark the diff empty")
	}
}

func TestBuilder_Container(t *testing.T) {
	prompt := NewBuilder().Container(CodeInput{
		Repo:      "owner/repo",
		Issue:     issue,
		Iteration: 1,
		Extra:     "Use table-driven tests.",
	})
	if !strings.Contains(prompt, "/workspace") {
		t.Error("container prompt should reference the workspace mount")
	}
	if !strings.Contains(prompt, "Use table-driven tests.") {
		t.Error("container prompt should carry repository instructions")
	}
}
