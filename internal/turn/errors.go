package turn

import (
	"context"
	"errors"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

// Kind classifies turn failures.
type Kind int

const (
	KindUnknown Kind = iota
	DeviceUnavailable
	NoSpeechDetected
	EmptyTranscription
	RemoteUnavailable
	SynthesisUnavailable
	PresentationUnavailable
)

func (k Kind) String() string {
	switch k {
	case DeviceUnavailable:
		return "device_unavailable"
	case NoSpeechDetected:
		return "no_speech_detected"
	case EmptyTranscription:
		return "empty_transcription"
	case RemoteUnavailable:
		return "remote_unavailable"
	case SynthesisUnavailable:
		return "synthesis_unavailable"
	case PresentationUnavailable:
		return "presentation_unavailable"
	default:
		return "unknown"
	}
}

// Failure is a classified failure with the message shown to the user.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Failure) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Failure) Unwrap() error { return e.Err }

// Fatal reports whether the kind ends the turn. Synthesis failures are
// absorbed since the reply text was already delivered.
func (k Kind) Fatal() bool {
	return k != SynthesisUnavailable
}

// KindOf classifies err. Errors that are not *Failure are classified by the
// sentinels they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var te *Failure
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return DeviceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return RemoteUnavailable
	}
	return KindUnknown
}
