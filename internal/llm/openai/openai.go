// Package openai provides an llm.Backend for OpenAI and any
// OpenAI-compatible endpoint (Ollama, LiteLLM, vLLM) via langchaingo.
package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/retry"
)

// Name is the provider name used in configuration.
const Name = "openai"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

func init() {
	llm.Register(Name, func(opts llm.Options) (llm.Backend, error) {
		return New(opts)
	})
}

// Backend calls the chat completions API.
type Backend struct {
	model llms.Model
}

// New creates a Backend from options.
func New(opts llm.Options) (*Backend, error) {
	httpClient, err := llm.HTTPClient(opts)
	if err != nil {
		return nil, err
	}

	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	// langchaingo refuses an empty token even for local endpoints.
	token := opts.APIKey
	if token == "" {
		token = "unused"
	}

	lcOpts := []lcopenai.Option{
		lcopenai.WithToken(token),
		lcopenai.WithModel(model),
		lcopenai.WithHTTPClient(statusDoer{client: httpClient}),
	}
	if opts.BaseURL != "" {
		lcOpts = append(lcOpts, lcopenai.WithBaseURL(opts.BaseURL))
	}

	client, err := lcopenai.New(lcOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &Backend{model: client}, nil
}

// Complete sends the system and user prompt as a chat.
func (b *Backend) Complete(ctx context.Context, req llm.Request) (string, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: req.System}},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextContent{Text: req.Prompt}},
	})

	var callOpts []llms.CallOption
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	callOpts = append(callOpts, llms.WithTemperature(req.Temperature))

	outcome := &exchange{}
	resp, err := b.model.GenerateContent(context.WithValue(ctx, exchangeKey{}, outcome), messages, callOpts...)
	if err != nil {
		err = fmt.Errorf("openai completion: %w", err)
		if outcome.retryable(ctx) {
			return "", retry.Transient(err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", llm.ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

type exchangeKey struct{}

// exchange records how the HTTP round trip of one completion went. The
// langchaingo client reports failures as plain strings.
type exchange struct {
	status       int
	transportErr bool
}

func (e *exchange) retryable(ctx context.Context) bool {
	if e.transportErr {
		return ctx.Err() == nil
	}
	return retry.RetryableStatus(e.status)
}

// statusDoer fills in the exchange carried by the request context.
type statusDoer struct {
	client *http.Client
}

func (d statusDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req)
	if e, ok := req.Context().Value(exchangeKey{}).(*exchange); ok {
		if err != nil {
			e.transportErr = true
		} else {
			e.status = resp.StatusCode
		}
	}
	return resp, err
}
