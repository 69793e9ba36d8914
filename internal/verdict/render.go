package verdict

import (
	"fmt"
	"strings"
)

// Marker tags review bodies published by this service so they can be told
// apart from human reviews when a run resumes.
const Marker = "<!-- codeloop:review -->"

// IsReview reports whether body was published by Render.
func IsReview(body string) bool {
	return strings.Contains(body, Marker)
}

func heading(d Disposition) string {
	switch d {
	case Approved:
		return "✅ **Ready for approval**\n\nAutomated review passed. A human still needs to approve and merge."
	case ChangesRequested:
		return "❌ **Changes requested**"
	case Comment:
		return "💬 **Review comments**"
	}
	return "**Review**"
}

// Render formats v as the markdown body of a pull request review.
func Render(v Verdict, iteration int) string {
	var sb strings.Builder
	sb.WriteString(Marker + "\n")
	sb.WriteString(heading(v.Disposition))
	if iteration > 0 {
		fmt.Fprintf(&sb, "\n\n_Iteration %d_", iteration)
	}
	if v.Summary != "" {
		sb.WriteString("\n\n" + v.Summary)
	}

	sb.WriteString("\n\n**Issue compliance:** " + v.Assessment.IssueCompliance)
	sb.WriteString("\n\n**Code quality:** " + v.Assessment.CodeQuality)
	if v.Assessment.CI != "" {
		sb.WriteString("\n\n**CI:** " + v.Assessment.CI)
	}

	if len(v.Changes) > 0 {
		sb.WriteString("\n\n**Requested changes:**\n")
		for i, c := range v.Changes {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, c)
		}
	}

	if len(v.Comments) > 0 {
		fmt.Fprintf(&sb, "\n\n**Code comments (%d):**\n", len(v.Comments))
		for _, c := range v.Comments {
			fmt.Fprintf(&sb, "\n- `%s:%d`: %s", c.Path, c.Line, c.Body)
			if c.Suggestion != "" {
				sb.WriteString("\n  💡 Suggestion: " + c.Suggestion)
			}
		}
	}
	return sb.String()
}

// Feedback renders the parts of v the code agent needs on its next pass.
func Feedback(v Verdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reviewer disposition: %s\n", v.Disposition)
	sb.WriteString(v.Rationale())
	if len(v.Changes) > 0 {
		sb.WriteString("\n\nRequested changes:")
		for i, c := range v.Changes {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, c)
		}
	}
	if len(v.Comments) > 0 {
		sb.WriteString("\n\nLine comments:")
		for _, c := range v.Comments {
			fmt.Fprintf(&sb, "\n- %s:%d: %s", c.Path, c.Line, c.Body)
			if c.Suggestion != "" {
				sb.WriteString(" (suggestion: " + c.Suggestion + ")")
			}
		}
	}
	return sb.String()
}

// InlineBody is the text of an inline review comment for c.
func InlineBody(c LineComment) string {
	if c.Suggestion == "" {
		return c.Body
	}
	return c.Body + "\n\n💡 " + c.Suggestion
}
