package tts

import (
	"context"
)

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to a playable clip (MP3 or WAV bytes).
	// An empty clip with a nil error means there is nothing to play.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
