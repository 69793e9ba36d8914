package provider

import (
	"strings"
	"time"
)

// Issue represents an issue on the host.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Author string
	Labels []string
	URL    string
}

// PullRequest represents a pull request/merge request.
type PullRequest struct {
	ID           int
	Number       int // PR number (GitHub) or MR IID (GitLab)
	Title        string
	Description  string
	SourceBranch string
	TargetBranch string
	HeadSHA      string
	State        string // open, closed, merged
	Author       string
	URL          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PullRequestSpec describes the pull request a run wants to exist.
type PullRequestSpec struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// ChangedFile represents a file changed in a pull request.
type ChangedFile struct {
	Path      string
	Status    string // added, modified, deleted, renamed
	Additions int
	Deletions int
	Patch     string
}

// Diff is the set of changes a pull request introduces.
type Diff struct {
	Files []ChangedFile
}

// Paths returns the changed file paths in order.
func (d *Diff) Paths() []string {
	paths := make([]string, len(d.Files))
	for i, f := range d.Files {
		paths[i] = f.Path
	}
	return paths
}

// Unified renders the diff as concatenated per-file patches.
func (d *Diff) Unified() string {
	var sb strings.Builder
	for _, f := range d.Files {
		if f.Patch == "" {
			continue
		}
		sb.WriteString("--- " + f.Path + "\n")
		sb.WriteString("+++ " + f.Path + "\n")
		sb.WriteString(f.Patch)
		if !strings.HasSuffix(f.Patch, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// ReviewComment is an inline comment on a changed line.
type ReviewComment struct {
	Path string
	Line int
	Body string
}

// Review is published on a pull request. Reviews never approve or block.
type Review struct {
	Body     string
	Comments []ReviewComment
}

// ReviewRecord is a review already present on a pull request.
type ReviewRecord struct {
	ID          int64
	Body        string
	Author      string
	State       string
	SubmittedAt time.Time
}

// Credentials authenticate git operations against the host.
type Credentials struct {
	Username string
	Token    string
}

// Repository represents a git repository.
type Repository struct {
	ID            int
	Name          string
	FullName      string // owner/repo
	CloneURL      string
	SSHURL        string
	DefaultBranch string
}
