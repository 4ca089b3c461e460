package turn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lukasbauer/voiceloop/internal/stt"
	"github.com/lukasbauer/voiceloop/internal/usage"
)

// Message is one line of the conversation as shown to the user.
type Message struct {
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationTurn is the immutable record of a turn that produced a reply.
type ConversationTurn struct {
	ID            string            `json:"id"`
	UtteranceText string            `json:"utterance_text"`
	ResponseText  string            `json:"response_text"`
	Actions       json.RawMessage   `json:"actions,omitempty"`
	Speaker       *stt.SpeakerHint  `json:"speaker,omitempty"`
	Usage         usage.TurnMetrics `json:"usage"`
	Costs         usage.TurnCosts   `json:"costs"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Recorder receives completed conversation turns.
type Recorder interface {
	RecordTurn(ctx context.Context, t ConversationTurn) error
}

// History is the ordered conversation. It is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []Message
	limit    int
}

// NewHistory creates a history keeping at most limit messages, or all of
// them when limit is 0.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append adds a message at the end.
func (h *History) Append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
	if h.limit > 0 && len(h.messages) > h.limit {
		h.messages = append([]Message(nil), h.messages[len(h.messages)-h.limit:]...)
	}
}

// Messages returns a copy of the conversation in insertion order.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Message(nil), h.messages...)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
