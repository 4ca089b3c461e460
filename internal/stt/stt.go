package stt

import (
	"context"
	"errors"
)

// ErrMalformedAudio is returned when the utterance cannot be decoded.
var ErrMalformedAudio = errors.New("malformed audio")

// SpeakerHint is the optional speaker verification attached to a transcript.
type SpeakerHint struct {
	IsOwner      bool    // the enrolled owner's voice
	Confidence   float64 // 0-1
	LastVerified string
}

// Transcript represents a speech-to-text transcription result.
type Transcript struct {
	Text       string
	Confidence float64      // 0-1, 0 when the provider does not report one
	Speaker    *SpeakerHint // nil when the provider does no verification
}

// Client defines the interface for speech-to-text providers.
type Client interface {
	// Transcribe converts one WAV-encoded utterance to text.
	Transcribe(ctx context.Context, wav []byte) (*Transcript, error)
}
