package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// GitLabEvent is a verified GitLab delivery.
type GitLabEvent struct {
	EventType        string
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		Action string `json:"action"`
	} `json:"object_attributes"`
	RawPayload []byte
}

// GitLabEventHandler is called for every verified GitLab delivery.
type GitLabEventHandler func(ctx context.Context, event *GitLabEvent) error

// NewGitLabHandler accepts deliveries carrying secret in X-Gitlab-Token.
func NewGitLabHandler(secret string, handler GitLabEventHandler) *Handler {
	return &Handler{
		provider: "gitlab",
		authenticate: func(h http.Header, _ []byte) error {
			token := h.Get("X-Gitlab-Token")
			if token == "" {
				return errors.New("missing token")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				return errors.New("invalid token")
			}
			return nil
		},
		deliver: func(ctx context.Context, h http.Header, body []byte) error {
			event := &GitLabEvent{
				EventType:  h.Get("X-Gitlab-Event"),
				RawPayload: body,
			}
			if err := json.Unmarshal(body, event); err != nil {
				return fmt.Errorf("%w: %w", errBadPayload, err)
			}
			return handler(ctx, event)
		},
	}
}
