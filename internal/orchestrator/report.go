package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drewdunne/codeloop/internal/ci"
)

// StatusMarker tags the terminal comment posted on the issue.
const StatusMarker = "<!-- codeloop:status -->"

func summary(r *run) string {
	switch r.state {
	case Approved:
		return fmt.Sprintf("Approved on iteration %d.", r.iteration)
	case IterationLimitReached:
		if n := len(r.history); n != r.iteration {
			return fmt.Sprintf("Not approved after %d iterations, stopped at iteration %d.", n, r.iteration)
		}
		return fmt.Sprintf("Not approved after %d iterations.", r.iteration)
	case CITimeout:
		return fmt.Sprintf("CI did not finish within %s on iteration %d.", r.settings.MaxWait, r.iteration)
	case CIFailed:
		return fmt.Sprintf("CI failed on iteration %d: %s.", r.iteration, strings.Join(r.lastCI.FailedChecks(), ", "))
	case CodeGenerationFailed:
		return fmt.Sprintf("Code generation failed on iteration %d: %v", r.iteration, r.failure)
	case ReviewFailure:
		return fmt.Sprintf("Review failed on iteration %d: %v", r.iteration, r.failure)
	}
	return r.state.String()
}

func statusComment(r *run, res *Result) string {
	var sb strings.Builder
	sb.WriteString(StatusMarker + "\n")
	switch res.Outcome {
	case Approved:
		sb.WriteString("## ✅ Ready for human review\n\n")
	case IterationLimitReached:
		sb.WriteString("## ⚠️ Iteration limit reached\n\n")
	case CITimeout:
		sb.WriteString("## ⏱️ CI timed out\n\n")
	default:
		sb.WriteString("## ❌ Automated run stopped\n\n")
	}
	sb.WriteString(res.Message)
	if res.PullRequest != nil {
		fmt.Fprintf(&sb, "\n\n**Pull request:** #%d", res.PullRequest.Number)
		if res.PullRequest.URL != "" {
			sb.WriteString(" (" + res.PullRequest.URL + ")")
		}
	}
	fmt.Fprintf(&sb, "\n**Iterations run:** %d", res.IterationsRun)
	if res.Rejections > 0 || res.Comments > 0 {
		fmt.Fprintf(&sb, "\n**Changes requested:** %d, **comment-only:** %d", res.Rejections, res.Comments)
	}
	if res.Outcome == IterationLimitReached {
		sb.WriteString("\n\n### History\n")
		for _, it := range res.Iterations {
			writeIteration(&sb, it)
		}
		sb.WriteString("\nThe pull request is left open for a human to pick up.")
	}
	if res.Outcome == CITimeout && r.pr != nil {
		sb.WriteString("\n\nThe pull request is left open.")
	}
	return sb.String()
}

func writeIteration(sb *strings.Builder, it Iteration) {
	outcome := it.CI
	if outcome == "" {
		outcome = ci.Skipped
	}
	fmt.Fprintf(sb, "\n**Iteration %d** (CI: %s", it.Number, outcome)
	if it.Verdict != nil {
		fmt.Fprintf(sb, ", verdict: %s", it.Verdict.Disposition)
	}
	sb.WriteString(")\n")
	if it.NoChanges {
		sb.WriteString("- no file changes\n")
	}
	if it.Verdict == nil {
		return
	}
	if it.Verdict.Summary != "" {
		sb.WriteString("> " + strings.ReplaceAll(it.Verdict.Summary, "\n", "\n> ") + "\n")
	}
	for _, c := range it.Verdict.Changes {
		sb.WriteString("- " + c + "\n")
	}
}

// reportTimeout bounds the terminal comment, which is posted even when the
// run's context has ended.
const reportTimeout = 30 * time.Second

// report posts the one terminal comment of a run. Failures are logged.
func (o *Orchestrator) report(ctx context.Context, r *run, res *Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	body := statusComment(r, res)
	if err := o.host.PostIssueComment(ctx, r.repo.Owner, r.repo.Name, r.issue.Number, body); err != nil {
		r.log.Warn("posting status comment", zap.Error(err))
	}
}
