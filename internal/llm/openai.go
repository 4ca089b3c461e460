package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient implements the Client interface using OpenAI's chat
// completions API. It keeps a rolling conversation memory so follow-up
// questions have context.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	maxHistory int

	mu           sync.Mutex
	systemPrompt string
	history      []Message
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // optional, for compatible servers
	Model        string // e.g., "gpt-4o-mini"
	SystemPrompt string // Optional custom system prompt
	MaxHistory   int    // messages kept as memory, 0 for default
	HTTPClient   *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	c := &OpenAIClient{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		maxHistory:   cfg.MaxHistory,
		systemPrompt: cfg.SystemPrompt,
	}
	if c.model == "" {
		c.model = openai.GPT4oMini
	}
	if c.maxHistory <= 0 {
		c.maxHistory = 20
	}
	if c.systemPrompt == "" {
		c.systemPrompt = SystemPromptEnglish
	}
	return c
}

// SetSystemPrompt replaces the persona. Empty prompts are ignored.
func (c *OpenAIClient) SetSystemPrompt(prompt string) {
	if prompt == "" {
		return
	}
	c.mu.Lock()
	c.systemPrompt = prompt
	c.mu.Unlock()
}

func (c *OpenAIClient) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemPrompt
}

// Reset forgets the conversation memory.
func (c *OpenAIClient) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

// Respond sends text with the conversation memory and collects the
// streamed reply. Memory is only extended when the reply is non-empty.
func (c *OpenAIClient) Respond(ctx context.Context, text string) (*Reply, error) {
	c.mu.Lock()
	msgs := make([]openai.ChatCompletionMessage, 0, len(c.history)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: VoiceGuardrails + "\n\n" + c.systemPrompt,
	})
	for _, m := range c.history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	c.mu.Unlock()
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	reply, err := c.stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return nil, errors.New("empty response from OpenAI")
	}

	c.mu.Lock()
	c.history = append(c.history,
		Message{Role: openai.ChatMessageRoleUser, Content: text},
		Message{Role: openai.ChatMessageRoleAssistant, Content: reply},
	)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append([]Message(nil), c.history[over:]...)
	}
	c.mu.Unlock()

	return &Reply{Text: reply}, nil
}

// stream runs one streamed completion and returns the trimmed text.
func (c *OpenAIClient) stream(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.6,
		MaxTokens:   200,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI chat: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("OpenAI stream: %w", err)
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}
