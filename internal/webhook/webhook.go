// Package webhook authenticates host webhook deliveries and hands the
// payload on.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/drewdunne/codeloop/internal/metrics"
)

// MaxPayloadBytes bounds a delivery body.
const MaxPayloadBytes = 5 << 20

// ErrRetryLater makes a handler answer 503 so the host redelivers.
var ErrRetryLater = errors.New("retry later")

var errBadPayload = errors.New("failed to parse payload")

// Handler serves deliveries from one host. Requests that fail
// authentication never reach deliver.
type Handler struct {
	provider     string
	authenticate func(h http.Header, body []byte) error
	deliver      func(ctx context.Context, h http.Header, body []byte) error
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.authenticate(r.Header, body); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	err = h.deliver(r.Context(), r.Header, body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, errBadPayload):
		http.Error(w, errBadPayload.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrRetryLater):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
	metrics.WebhookReceived(h.provider)
}
