// Package llm defines the model backend used by the code and reviewer agents.
//
// Backends register themselves by name from their own packages:
//
//	import _ "github.com/drewdunne/codeloop/internal/llm/openai"
//
//	backend, err := llm.New("openai", llm.Options{Model: "gpt-4o-mini", APIKey: key})
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownProvider indicates no backend is registered under the name.
	ErrUnknownProvider = errors.New("unknown llm provider")

	// ErrEmptyResponse indicates the backend returned no content.
	ErrEmptyResponse = errors.New("empty llm response")
)

// Request is a single completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Backend completes prompts.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Options configure a backend.
type Options struct {
	Model    string
	APIKey   string
	BaseURL  string
	Proxy    string
	FolderID string
	Timeout  time.Duration
}

// Factory builds a backend from options.
type Factory func(opts Options) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Providers returns the registered backend names, sorted.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the backend registered under name.
func New(name string, opts Options) (Backend, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownProvider, name, Providers())
	}
	b, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", name, err)
	}
	return b, nil
}

// HTTPClient returns a client honoring opts.Timeout and opts.Proxy.
func HTTPClient(opts Options) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: opts.Timeout, Transport: transport}, nil
}
