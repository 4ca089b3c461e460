package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// WhisperClient implements the Client interface using OpenAI's
// transcription endpoint.
type WhisperClient struct {
	client   *openai.Client
	model    string
	language string
}

// WhisperConfig holds configuration for the Whisper client.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string // optional, for compatible servers
	Model    string // e.g., "whisper-1"
	Language string // ISO-639-1, empty for auto-detect
}

// NewWhisperClient creates a new Whisper client.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperClient{
		client:   openai.NewClientWithConfig(oc),
		model:    model,
		language: cfg.Language,
	}
}

// Transcribe uploads the WAV utterance.
func (c *WhisperClient) Transcribe(ctx context.Context, wav []byte) (*Transcript, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Language: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to transcribe: %w", err)
	}
	return &Transcript{Text: strings.TrimSpace(resp.Text)}, nil
}
