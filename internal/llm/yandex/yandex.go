// Package yandex provides an llm.Backend for the YandexGPT completion API.
package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/retry"
)

// Name is the provider name used in configuration.
const Name = "yandex"

const (
	defaultBaseURL   = "https://llm.api.cloud.yandex.net/foundationModels/v1"
	defaultModel     = "yandexgpt-lite"
	defaultMaxTokens = 4000
)

func init() {
	llm.Register(Name, func(opts llm.Options) (llm.Backend, error) {
		return New(opts)
	})
}

// Backend calls the foundation models completion endpoint.
type Backend struct {
	apiKey   string
	folderID string
	model    string
	baseURL  string
	client   *http.Client
}

// New creates a Backend. A folder ID is required.
func New(opts llm.Options) (*Backend, error) {
	if opts.FolderID == "" {
		return nil, fmt.Errorf("yandex folder_id is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	client, err := llm.HTTPClient(opts)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		apiKey:   opts.APIKey,
		folderID: opts.FolderID,
		model:    opts.Model,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   client,
	}
	if b.model == "" {
		b.model = defaultModel
	}
	if b.baseURL == "" {
		b.baseURL = defaultBaseURL
	}
	return b, nil
}

type completionRequest struct {
	ModelURI          string            `json:"modelUri"`
	CompletionOptions completionOptions `json:"completionOptions"`
	Messages          []message         `json:"messages"`
}

type completionOptions struct {
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
	// MaxTokens is sent as a string by the API contract.
	MaxTokens string `json:"maxTokens"`
}

type message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type completionResponse struct {
	Result struct {
		Alternatives []struct {
			Message message `json:"message"`
		} `json:"alternatives"`
	} `json:"result"`
}

// ModelURI returns the gpt:// URI the API expects for the configured model.
func (b *Backend) ModelURI() string {
	return fmt.Sprintf("gpt://%s/%s", b.folderID, b.model)
}

// Complete sends the prompt and returns the first alternative.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []message
	if req.System != "" {
		messages = append(messages, message{Role: "system", Text: req.System})
	}
	messages = append(messages, message{Role: "user", Text: req.Prompt})

	body, err := json.Marshal(completionRequest{
		ModelURI: b.ModelURI(),
		CompletionOptions: completionOptions{
			Temperature: req.Temperature,
			MaxTokens:   strconv.Itoa(maxTokens),
		},
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Api-Key "+b.apiKey)
	httpReq.Header.Set("x-folder-id", b.folderID)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("making request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("yandex API error (status %d): %s", resp.StatusCode, msg)
		if retry.RetryableStatus(resp.StatusCode) {
			return "", retry.Transient(err)
		}
		return "", err
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Result.Alternatives) == 0 || out.Result.Alternatives[0].Message.Text == "" {
		return "", llm.ErrEmptyResponse
	}
	return out.Result.Alternatives[0].Message.Text, nil
}
