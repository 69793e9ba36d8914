package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GitHubEvent is a verified GitHub delivery.
type GitHubEvent struct {
	EventType  string
	DeliveryID string
	Action     string `json:"action"`
	Number     int    `json:"number"`
	RawPayload []byte
}

// GitHubEventHandler is called for every verified GitHub delivery.
type GitHubEventHandler func(ctx context.Context, event *GitHubEvent) error

// NewGitHubHandler accepts deliveries signed with secret
// (X-Hub-Signature-256).
func NewGitHubHandler(secret string, handler GitHubEventHandler) *Handler {
	return &Handler{
		provider: "github",
		authenticate: func(h http.Header, body []byte) error {
			sig := h.Get("X-Hub-Signature-256")
			if sig == "" {
				return errors.New("missing signature")
			}
			if !VerifySignature(secret, body, sig) {
				return errors.New("invalid signature")
			}
			return nil
		},
		deliver: func(ctx context.Context, h http.Header, body []byte) error {
			event := &GitHubEvent{
				EventType:  h.Get("X-GitHub-Event"),
				DeliveryID: h.Get("X-GitHub-Delivery"),
				RawPayload: body,
			}
			if err := json.Unmarshal(body, event); err != nil {
				return fmt.Errorf("%w: %w", errBadPayload, err)
			}
			return handler(ctx, event)
		},
	}
}

// VerifySignature checks a sha256=<hex> HMAC of payload under secret.
func VerifySignature(secret string, payload []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, digest(secret, payload))
}

// Sign returns the signature header value for payload under secret.
func Sign(secret string, payload []byte) string {
	return "sha256=" + hex.EncodeToString(digest(secret, payload))
}

func digest(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
