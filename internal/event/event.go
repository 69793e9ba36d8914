// Package event normalizes host webhooks into the events that start runs
// and standalone reviews.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drewdunne/codeloop/internal/provider"
)

// Type represents the type of webhook event.
type Type string

const (
	TypeIssueOpened Type = "issue_opened"
	TypeMention     Type = "mention"
	TypePROpened    Type = "pr_opened"
	TypePRUpdated   Type = "pr_updated"
)

// Mention is the handle that asks for a run from an issue comment.
const Mention = "@codeloop"

// ErrIgnored is returned for payloads that never start work.
var ErrIgnored = errors.New("event ignored")

// Event represents a normalized webhook event.
type Event struct {
	Type     Type
	Provider string

	RepoOwner string
	RepoName  string
	RepoURL   string

	// Number is the issue number for issue events and the pull request
	// number for pull request events.
	Number      int
	Title       string
	Description string

	SourceBranch string
	TargetBranch string

	CommentBody string
	Actor       string
	Timestamp   time.Time
}

// IsPullRequest reports whether the event concerns a pull request.
func (e *Event) IsPullRequest() bool {
	return e.Type == TypePROpened || e.Type == TypePRUpdated
}

// Repo returns the repository the event belongs to.
func (e *Event) Repo() provider.Repo {
	return provider.Repo{Provider: e.Provider, Owner: e.RepoOwner, Name: e.RepoName}
}

// Key returns a unique key for this event (used for debouncing).
func (e *Event) Key() string {
	return e.Provider + "/" + e.RepoOwner + "/" + e.RepoName + "/" + string(e.Type) + "/" + fmt.Sprint(e.Number)
}

// containsMention checks if the text mentions the bot.
func containsMention(text string) bool {
	return strings.Contains(strings.ToLower(text), Mention)
}

// splitFullName splits owner/name, keeping nested groups in the owner.
func splitFullName(full string) (string, string, error) {
	idx := strings.LastIndex(full, "/")
	if idx <= 0 || idx == len(full)-1 {
		return "", "", fmt.Errorf("invalid repository name: %q", full)
	}
	return full[:idx], full[idx+1:], nil
}
