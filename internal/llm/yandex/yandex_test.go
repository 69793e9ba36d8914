package yandex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drewdunne/codeloop/internal/llm"
	"github.com/drewdunne/codeloop/internal/retry"
)

func TestComplete(t *testing.T) {
	var got completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("path = %q, want /completion", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Api-Key key" {
			t.Errorf("Authorization = %q", auth)
		}
		if r.Header.Get("x-folder-id") != "folder" {
			t.Errorf("x-folder-id = %q", r.Header.Get("x-folder-id"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"result":{"alternatives":[{"message":{"role":"assistant","text":"done"}}]}}`))
	}))
	defer server.Close()

	b, err := New(llm.Options{APIKey: "key", FolderID: "folder", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := b.Complete(context.Background(), llm.Request{System: "sys", Prompt: "hi", MaxTokens: 500})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "done" {
		t.Errorf("Complete() = %q, want done", out)
	}
	if got.ModelURI != "gpt://folder/yandexgpt-lite" {
		t.Errorf("modelUri = %q", got.ModelURI)
	}
	if got.CompletionOptions.MaxTokens != "500" {
		t.Errorf("maxTokens = %q, want \"500\"", got.CompletionOptions.MaxTokens)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestComplete_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	b, _ := New(llm.Options{APIKey: "key", FolderID: "folder", BaseURL: server.URL})
	_, err := b.Complete(context.Background(), llm.Request{Prompt: "hi"})
	if !retry.IsTransientError(err) {
		t.Errorf("Complete() error = %v, want transient", err)
	}
}

func TestNew_RequiresFolder(t *testing.T) {
	if _, err := New(llm.Options{APIKey: "key"}); err == nil {
		t.Error("New() expected error without folder id")
	}
}
