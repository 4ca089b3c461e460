package capture

import (
	"time"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

// Params tunes one capture. Zero MaxDuration, SilenceTimeout or Threshold
// take the defaults; a zero MinDuration allows silence to end the capture
// as soon as voice has been heard.
type Params struct {
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
	MinDuration    time.Duration
	Threshold      float64 // normalized mean absolute amplitude

	// Stop ends the capture like Engine.Stop once closed. It may be closed
	// before Capture is called.
	Stop <-chan struct{}
}

const (
	DefaultMaxDuration    = 30 * time.Second
	DefaultSilenceTimeout = 1500 * time.Millisecond
	// DefaultThreshold is roughly a raw mean absolute value of 1000.
	DefaultThreshold = 0.03
)

// DefaultParams returns the foreground capture tuning.
func DefaultParams() Params {
	return Params{
		MaxDuration:    DefaultMaxDuration,
		SilenceTimeout: DefaultSilenceTimeout,
		Threshold:      DefaultThreshold,
	}
}

func (p Params) withDefaults() Params {
	if p.MaxDuration <= 0 {
		p.MaxDuration = DefaultMaxDuration
	}
	if p.SilenceTimeout <= 0 {
		p.SilenceTimeout = DefaultSilenceTimeout
	}
	if p.MinDuration < 0 {
		p.MinDuration = 0
	}
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	return p
}

// VAD is the threshold voice activity detector run on every frame.
type VAD struct {
	params           Params
	start            time.Time
	hasVoice         bool
	silenceStartedAt time.Time
}

// NewVAD returns a detector for a capture that started at start.
func NewVAD(p Params, start time.Time) *VAD {
	return &VAD{params: p.withDefaults(), start: start}
}

// HasVoice reports whether any frame exceeded the threshold.
func (v *VAD) HasVoice() bool {
	return v.hasVoice
}

// Observe feeds one frame level sampled at now. It returns the end reason and
// true when the capture must stop.
func (v *VAD) Observe(level float64, now time.Time) (audio.EndReason, bool) {
	elapsed := now.Sub(v.start)

	if level > v.params.Threshold {
		v.hasVoice = true
		v.silenceStartedAt = time.Time{}
	} else if v.hasVoice && elapsed > v.params.MinDuration {
		if v.silenceStartedAt.IsZero() {
			v.silenceStartedAt = now
		}
		if now.Sub(v.silenceStartedAt) > v.params.SilenceTimeout {
			return audio.EndSilence, true
		}
	}

	if elapsed >= v.params.MaxDuration {
		return audio.EndMaxDuration, true
	}
	return "", false
}
