package llm

import "github.com/drewdunne/codeloop/internal/config"

// FromConfig builds the configured backend wrapped with rate limiting and retry.
func FromConfig(c config.LLMConfig) (Backend, error) {
	b, err := New(c.Provider, Options{
		Model:    c.Model,
		APIKey:   c.APIKey,
		BaseURL:  c.BaseURL,
		Proxy:    c.Proxy,
		FolderID: c.FolderID,
		Timeout:  c.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	return NewLimited(b, c.RateLimit), nil
}
