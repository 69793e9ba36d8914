package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/drewdunne/codeloop/internal/webhook"
)

// gitHubPayload covers the issues, issue_comment and pull_request events.
type gitHubPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Issue struct {
		Number      int              `json:"number"`
		Title       string           `json:"title"`
		Body        string           `json:"body"`
		PullRequest *json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// NormalizeGitHubEvent converts a GitHub webhook event to a normalized Event.
// Events that never start work yield ErrIgnored.
func NormalizeGitHubEvent(ghEvent *webhook.GitHubEvent) (*Event, error) {
	switch ghEvent.EventType {
	case "issues", "issue_comment", "pull_request":
	default:
		return nil, fmt.Errorf("%w: %s", ErrIgnored, ghEvent.EventType)
	}

	var payload gitHubPayload
	if err := json.Unmarshal(ghEvent.RawPayload, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}
	owner, name, err := splitFullName(payload.Repository.FullName)
	if err != nil {
		return nil, err
	}

	event := &Event{
		Provider:  "github",
		RepoOwner: owner,
		RepoName:  name,
		RepoURL:   payload.Repository.CloneURL,
		Actor:     payload.Sender.Login,
		Timestamp: time.Now(),
	}

	switch ghEvent.EventType {
	case "issues":
		if payload.Action != "opened" {
			return nil, fmt.Errorf("%w: issues %s", ErrIgnored, payload.Action)
		}
		event.Type = TypeIssueOpened
		event.Number = payload.Issue.Number
		event.Title = payload.Issue.Title
		event.Description = payload.Issue.Body

	case "issue_comment":
		// GitHub reports pull request comments as issue comments too.
		if payload.Issue.PullRequest != nil {
			return nil, fmt.Errorf("%w: comment on pull request", ErrIgnored)
		}
		if payload.Action != "created" || !containsMention(payload.Comment.Body) {
			return nil, fmt.Errorf("%w: comment without mention", ErrIgnored)
		}
		event.Type = TypeMention
		event.Number = payload.Issue.Number
		event.Title = payload.Issue.Title
		event.Description = payload.Issue.Body
		event.CommentBody = payload.Comment.Body
		event.Actor = payload.Comment.User.Login

	case "pull_request":
		event.Number = payload.Number
		event.Title = payload.PullRequest.Title
		event.Description = payload.PullRequest.Body
		event.SourceBranch = payload.PullRequest.Head.Ref
		event.TargetBranch = payload.PullRequest.Base.Ref

		switch payload.Action {
		case "opened":
			event.Type = TypePROpened
		case "synchronize":
			event.Type = TypePRUpdated
		default:
			return nil, fmt.Errorf("%w: pull_request %s", ErrIgnored, payload.Action)
		}
	}

	if event.Number <= 0 {
		return nil, fmt.Errorf("missing number in %s payload", ghEvent.EventType)
	}
	return event, nil
}
