// Package anthropic provides an llm.Backend for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/retry"
)

// Name is the provider name used in configuration.
const Name = "anthropic"

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4000
	apiVersion       = "2023-06-01"
)

// Ensure Backend implements llm.Backend.
var _ llm.Backend = (*Backend)(nil)

func init() {
	llm.Register(Name, func(opts llm.Options) (llm.Backend, error) {
		return New(opts)
	})
}

// Backend implements llm.Backend using the Anthropic API.
type Backend struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	maxRetries int
}

// Option configures the backend.
type Option func(*Backend)

// WithRetries sets the number of attempts per request.
func WithRetries(n int) Option {
	return func(b *Backend) {
		b.maxRetries = n
	}
}

// New creates a Backend. Options.BaseURL overrides the API endpoint.
func New(opts llm.Options, extra ...Option) (*Backend, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	client, err := llm.HTTPClient(opts)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		client:     client,
		maxRetries: 1,
	}
	if b.model == "" {
		b.model = defaultModel
	}
	if b.baseURL == "" {
		b.baseURL = defaultBaseURL
	}
	for _, opt := range extra {
		opt(b)
	}
	return b, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends one user message with the system prompt.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	reqJSON, err := json.Marshal(messagesRequest{
		Model:       b.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		text, err := b.send(ctx, reqJSON)
		if err == nil {
			return text, nil
		}
		if !retry.IsTransientError(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (b *Backend) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, msg)
		if retry.RetryableStatus(resp.StatusCode) {
			return "", retry.Transient(err)
		}
		return "", err
	}

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var sb strings.Builder
	for _, c := range apiResp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	if sb.Len() == 0 {
		return "", llm.ErrEmptyResponse
	}
	return sb.String(), nil
}
