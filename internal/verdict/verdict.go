// Package verdict models the reviewer's judgment of a pull request.
//
// A Verdict is a value: it is built once by Parse (or New) and never mutated.
// EnforceCI returns a new Verdict rather than editing the receiver.
package verdict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed indicates reviewer output could not be interpreted as a verdict.
var ErrMalformed = errors.New("malformed verdict")

// Disposition is the reviewer's decision. The zero value is invalid.
type Disposition int

const (
	// Approved ends the run successfully.
	Approved Disposition = iota + 1
	// ChangesRequested sends the requested changes back to the code agent.
	ChangesRequested
	// Comment loops like ChangesRequested but is not reported as a rejection.
	Comment
)

// Dispositions lists every valid disposition.
var Dispositions = []Disposition{Approved, ChangesRequested, Comment}

func (d Disposition) String() string {
	switch d {
	case Approved:
		return "approved"
	case ChangesRequested:
		return "changes_requested"
	case Comment:
		return "comment"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Valid reports whether d is one of the declared dispositions.
func (d Disposition) Valid() bool {
	return d >= Approved && d <= Comment
}

// ParseDisposition accepts the wire names, case-insensitively.
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return Approved, nil
	case "changes_requested", "request_changes", "changes-requested":
		return ChangesRequested, nil
	case "comment", "commented":
		return Comment, nil
	}
	return 0, fmt.Errorf("%w: unknown disposition %q", ErrMalformed, s)
}

func (d Disposition) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid disposition %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Disposition) UnmarshalText(text []byte) error {
	parsed, err := ParseDisposition(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// LineComment is a remark attached to one line of the diff.
type LineComment struct {
	Path       string `json:"file_path"`
	Line       int    `json:"line_number"`
	Body       string `json:"comment"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Assessment holds the reviewer's findings per rubric dimension.
type Assessment struct {
	IssueCompliance string `json:"issue_compliance"`
	CodeQuality     string `json:"code_quality"`
	CI              string `json:"ci,omitempty"`
}

// Verdict is the reviewer's structured output for one iteration.
type Verdict struct {
	Disposition Disposition   `json:"disposition"`
	Summary     string        `json:"summary"`
	Assessment  Assessment    `json:"assessment"`
	Changes     []string      `json:"changes"`
	Comments    []LineComment `json:"comments,omitempty"`
}

// New builds a validated verdict.
func New(d Disposition, summary string, a Assessment, changes []string, comments []LineComment) (Verdict, error) {
	v := Verdict{
		Disposition: d,
		Summary:     strings.TrimSpace(summary),
		Assessment:  a,
		Changes:     append(make([]string, 0, len(changes)), changes...),
		Comments:    append([]LineComment(nil), comments...),
	}
	if err := v.validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

func (v Verdict) validate() error {
	if !v.Disposition.Valid() {
		return fmt.Errorf("%w: missing disposition", ErrMalformed)
	}
	if strings.TrimSpace(v.Assessment.IssueCompliance) == "" {
		return fmt.Errorf("%w: missing issue compliance assessment", ErrMalformed)
	}
	if strings.TrimSpace(v.Assessment.CodeQuality) == "" {
		return fmt.Errorf("%w: missing code quality assessment", ErrMalformed)
	}
	return nil
}

// wireVerdict is the JSON shape the reviewer model is asked to produce.
type wireVerdict struct {
	Disposition     string            `json:"disposition"`
	Verdict         string            `json:"verdict"`
	Summary         string            `json:"summary"`
	IssueCompliance string            `json:"issue_compliance"`
	CodeQuality     string            `json:"code_quality"`
	Changes         []json.RawMessage `json:"changes"`
	Comments        []LineComment     `json:"comments"`
}

// Parse decodes reviewer JSON into a Verdict. Change items may be strings or
// objects with a description field.
func Parse(data []byte) (Verdict, error) {
	var w wireVerdict
	if err := json.Unmarshal(data, &w); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	name := w.Disposition
	if name == "" {
		name = w.Verdict
	}
	d, err := ParseDisposition(name)
	if err != nil {
		return Verdict{}, err
	}

	changes := make([]string, 0, len(w.Changes))
	for _, raw := range w.Changes {
		item, err := changeText(raw)
		if err != nil {
			return Verdict{}, err
		}
		if item != "" {
			changes = append(changes, item)
		}
	}

	comments := make([]LineComment, 0, len(w.Comments))
	for _, c := range w.Comments {
		if c.Path == "" || strings.TrimSpace(c.Body) == "" {
			continue
		}
		comments = append(comments, c)
	}

	return New(d, w.Summary, Assessment{
		IssueCompliance: w.IssueCompliance,
		CodeQuality:     w.CodeQuality,
	}, changes, comments)
}

func changeText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		Description string `json:"description"`
		File        string `json:"file"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: change item: %v", ErrMalformed, err)
	}
	text := strings.TrimSpace(obj.Description)
	if obj.File != "" && text != "" {
		text = obj.File + ": " + text
	}
	return text, nil
}

// EnforceCI applies the rule that a failing build is never approved.
// The returned verdict requests changes and lists the failing checks.
func (v Verdict) EnforceCI(failed bool, failedChecks []string) Verdict {
	out := v.clone()
	if !failed {
		return out
	}

	note := "CI is failing"
	if len(failedChecks) > 0 {
		note += ": " + strings.Join(failedChecks, ", ")
	}
	out.Assessment.CI = note

	if out.Disposition == Approved {
		out.Disposition = ChangesRequested
		out.Changes = append(out.Changes, "Fix the failing CI checks ("+strings.Join(nonEmpty(failedChecks, "see CI logs"), ", ")+")")
	}
	return out
}

func nonEmpty(items []string, fallback string) []string {
	if len(items) == 0 {
		return []string{fallback}
	}
	return items
}

func (v Verdict) clone() Verdict {
	v.Changes = append(make([]string, 0, len(v.Changes)), v.Changes...)
	v.Comments = append([]LineComment(nil), v.Comments...)
	return v
}

// Rationale joins the summary with each assessment dimension.
func (v Verdict) Rationale() string {
	parts := []string{}
	if v.Summary != "" {
		parts = append(parts, v.Summary)
	}
	parts = append(parts,
		"Issue compliance: "+v.Assessment.IssueCompliance,
		"Code quality: "+v.Assessment.CodeQuality,
	)
	if v.Assessment.CI != "" {
		parts = append(parts, "CI: "+v.Assessment.CI)
	}
	return strings.Join(parts, "\n")
}
