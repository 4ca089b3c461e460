package llm

import (
	"context"
	"encoding/json"
)

// Reply is the assistant's answer to one user utterance.
type Reply struct {
	Text string
	// Actions carries auxiliary structured output (tool results, UI
	// actions) untouched for the presentation layer. Nil when absent.
	Actions json.RawMessage
}

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Client defines the interface for reasoning providers.
type Client interface {
	// Respond returns the assistant reply to text.
	Respond(ctx context.Context, text string) (*Reply, error)
}
