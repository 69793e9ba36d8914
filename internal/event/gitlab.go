package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drewdunne/codeloop/internal/webhook"
)

type gitLabPayload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		Note         string `json:"note"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		Action       string `json:"action"`
		NoteableType string `json:"noteable_type"`
		OldRev       string `json:"oldrev"`
	} `json:"object_attributes"`
	Issue struct {
		IID         int    `json:"iid"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"issue"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

// NormalizeGitLabEvent converts a GitLab webhook event to a normalized Event.
// Events that never start work yield ErrIgnored.
func NormalizeGitLabEvent(glEvent *webhook.GitLabEvent) (*Event, error) {
	var payload gitLabPayload
	if err := json.Unmarshal(glEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	switch payload.ObjectKind {
	case "issue", "note", "merge_request":
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnored, payload.ObjectKind)
	}

	owner, name, err := splitFullName(payload.Project.PathWithNamespace)
	if err != nil {
		return nil, err
	}

	attrs := payload.ObjectAttributes
	event := &Event{
		Provider:  "gitlab",
		RepoOwner: owner,
		RepoName:  name,
		RepoURL:   payload.Project.GitHTTPURL,
		Actor:     payload.User.Username,
		Timestamp: time.Now(),
	}

	switch payload.ObjectKind {
	case "issue":
		if attrs.Action != "open" {
			return nil, fmt.Errorf("%w: issue %s", ErrIgnored, attrs.Action)
		}
		event.Type = TypeIssueOpened
		event.Number = attrs.IID
		event.Title = attrs.Title
		event.Description = attrs.Description

	case "note":
		if attrs.NoteableType != "Issue" {
			return nil, fmt.Errorf("%w: note on %s", ErrIgnored, attrs.NoteableType)
		}
		if !containsMention(attrs.Note) {
			return nil, fmt.Errorf("%w: note without mention", ErrIgnored)
		}
		event.Type = TypeMention
		event.Number = payload.Issue.IID
		event.Title = payload.Issue.Title
		event.Description = payload.Issue.Description
		event.CommentBody = attrs.Note

	case "merge_request":
		event.Number = attrs.IID
		event.Title = attrs.Title
		event.Description = attrs.Description
		event.SourceBranch = attrs.SourceBranch
		event.TargetBranch = attrs.TargetBranch

		switch attrs.Action {
		case "open":
			event.Type = TypePROpened
		case "update":
			// Title or label edits arrive as updates without a new revision.
			if attrs.OldRev == "" {
				return nil, fmt.Errorf("%w: merge_request update without new commits", ErrIgnored)
			}
			event.Type = TypePRUpdated
		default:
			return nil, fmt.Errorf("%w: merge_request %s", ErrIgnored, attrs.Action)
		}
	}

	if event.Number <= 0 {
		return nil, fmt.Errorf("missing iid in %s payload", payload.ObjectKind)
	}
	return event, nil
}
