package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestNewOpenAIClient(t *testing.T) {
	tests := []struct {
		name       string
		cfg        OpenAIConfig
		wantModel  string
		wantPrompt string
	}{
		{"defaults", OpenAIConfig{APIKey: "k"}, openai.GPT4oMini, SystemPromptEnglish},
		{"custom", OpenAIConfig{APIKey: "k", Model: "gpt-4o", SystemPrompt: "Be brief."}, "gpt-4o", "Be brief."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewOpenAIClient(tt.cfg)
			if c.model != tt.wantModel {
				t.Errorf("model = %q, want %q", c.model, tt.wantModel)
			}
			if got := c.SystemPrompt(); got != tt.wantPrompt {
				t.Errorf("SystemPrompt() = %q, want %q", got, tt.wantPrompt)
			}
			if c.maxHistory != 20 {
				t.Errorf("maxHistory = %d, want 20", c.maxHistory)
			}
		})
	}
}

func TestSetSystemPrompt(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{APIKey: "k"})

	c.SetSystemPrompt("Answer like a pirate.")
	c.SetSystemPrompt("")
	if got := c.SystemPrompt(); got != "Answer like a pirate." {
		t.Errorf("SystemPrompt() = %q, want the last non-empty prompt", got)
	}
}

// chatServer streams words as chat completion deltas and records requests.
type chatServer struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
}

func (s *chatServer) start(t *testing.T, words []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range words {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestRespond_CollectsStreamAndKeepsMemory(t *testing.T) {
	cs := &chatServer{}
	srv := cs.start(t, []string{"Hi", " there", "!"})
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, MaxHistory: 2})

	reply, err := c.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if reply.Text != "Hi there!" {
		t.Errorf("Text = %q, want %q", reply.Text, "Hi there!")
	}
	if reply.Actions != nil {
		t.Errorf("Actions = %s, want nil", reply.Actions)
	}

	if _, err := c.Respond(context.Background(), "again"); err != nil {
		t.Fatalf("second Respond() error = %v", err)
	}

	if len(cs.requests) != 2 {
		t.Fatalf("got %d requests, want 2", len(cs.requests))
	}
	first := cs.requests[0]
	if !first.Stream {
		t.Error("request should stream")
	}
	if first.Messages[0].Role != openai.ChatMessageRoleSystem || !strings.HasPrefix(first.Messages[0].Content, VoiceGuardrails) {
		t.Errorf("system message = %+v, want guardrails first", first.Messages[0])
	}

	// system + previous user + previous assistant + new user
	second := cs.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("second request has %d messages, want 4", len(second))
	}
	if second[1].Content != "hello" || second[2].Content != "Hi there!" || second[3].Content != "again" {
		t.Errorf("second request messages = %+v", second)
	}

	// MaxHistory of 2 keeps only the latest exchange.
	c.mu.Lock()
	n, oldest := len(c.history), c.history[0].Content
	c.mu.Unlock()
	if n != 2 || oldest != "again" {
		t.Errorf("history = %d messages starting %q, want 2 starting %q", n, oldest, "again")
	}

	c.Reset()
	c.mu.Lock()
	n = len(c.history)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("history after Reset() = %d, want 0", n)
	}
}

func TestRespond_Errors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
		}))
		defer srv.Close()

		c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
		_, err := c.Respond(context.Background(), "hello")
		if err == nil || !strings.Contains(err.Error(), "rate limited") {
			t.Errorf("Respond() error = %v, want rate limit error", err)
		}
	})

	t.Run("empty reply", func(t *testing.T) {
		cs := &chatServer{}
		srv := cs.start(t, nil)
		defer srv.Close()

		c := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
		if _, err := c.Respond(context.Background(), "hello"); err == nil {
			t.Error("Respond() error = nil, want empty response error")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.history) != 0 {
			t.Errorf("history = %d messages after failed reply, want 0", len(c.history))
		}
	})
}
