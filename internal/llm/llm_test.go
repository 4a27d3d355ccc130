package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/kbase/internal/apperr"
	"github.com/hyperjump/kbase/internal/config"
)

func chatServer(t *testing.T, reply string, gotPrompt *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if gotPrompt != nil && len(req.Messages) > 0 {
			*gotPrompt = req.Messages[len(req.Messages)-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Complete(t *testing.T) {
	var prompt string
	srv := chatServer(t, "Paris.", &prompt)
	c, err := New(config.LLMConfig{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-4", Temperature: 0.7}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Complete(context.Background(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "Paris." {
		t.Errorf("Complete = %q", got)
	}
	if prompt != "What is the capital of France?" {
		t.Errorf("server saw prompt %q", prompt)
	}
}

func TestOpenAI_CompleteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := NewOpenAI(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-4"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Complete(context.Background(), "hi")
	if !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Errorf("want ErrModelUnavailable, got %v", err)
	}
}

func TestOpenAI_CompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c, err := NewOpenAI(config.LLMConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Model: "gpt-4", Timeout: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Complete(context.Background(), "hi")
	if !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Errorf("want ErrModelUnavailable, got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(config.LLMConfig{Provider: "openai"}, nil); !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("openai without key: %v", err)
	}
	if _, err := New(config.LLMConfig{Provider: "anthropic"}, nil); !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("unknown provider: %v", err)
	}
	c, err := New(config.LLMConfig{Provider: "none"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(context.Background(), "hi"); !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("disabled completer: %v", err)
	}
}
