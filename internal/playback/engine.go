// Package playback plays synthesized speech on the speaker and meters the
// output signal for visual reactivity.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultChunkFrames = 1024
	defaultDecay       = 0.85
)

// Engine plays one clip at a time. A new Play supersedes the current one.
type Engine struct {
	speaker     audio.Speaker
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	chunkFrames int
	decay       float64
	level       audio.Level

	mu      sync.Mutex
	current *playback
}

type playback struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (p *playback) halt() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithChunkFrames sets how many sample frames are written per device write.
func WithChunkFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkFrames = n
		}
	}
}

// New creates a playback engine on speaker.
func New(speaker audio.Speaker, opts ...Option) *Engine {
	e := &Engine{
		speaker:     speaker,
		logger:      zerolog.Nop(),
		chunkFrames: defaultChunkFrames,
		decay:       defaultDecay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Level returns the live output amplitude. It is 0 when nothing plays.
func (e *Engine) Level() float64 {
	return e.level.Load()
}

// Playing reports whether a clip is being played.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Play decodes clip and blocks until it has played, Stop is called, ctx is
// cancelled or the device fails. An empty clip returns immediately. Stop
// ends playback without error.
func (e *Engine) Play(ctx context.Context, clip []byte) (err error) {
	if len(clip) == 0 {
		return nil
	}

	pb := &playback{stop: make(chan struct{}), done: make(chan struct{})}
	e.mu.Lock()
	prev := e.current
	e.current = pb
	e.mu.Unlock()
	if prev != nil {
		prev.halt()
		<-prev.done
	}

	outcome := "completed"
	defer func() {
		e.mu.Lock()
		if e.current == pb {
			e.current = nil
		}
		e.mu.Unlock()
		e.level.Reset()
		if err != nil {
			outcome = "error"
		}
		e.metrics.RecordPlayback(outcome)
		close(pb.done)
	}()

	pcm, err := Decode(clip)
	if err != nil {
		return fmt.Errorf("failed to decode clip: %w", err)
	}

	select {
	case <-pb.stop:
		outcome = "stopped"
		return nil
	default:
	}

	out, err := e.speaker.Open(ctx, pcm.Format)
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("failed to close speaker")
		}
	}()

	e.logger.Debug().
		Int("sample_rate", pcm.Format.SampleRate).
		Int("channels", pcm.Format.Channels).
		Float64("seconds", pcm.Duration()).
		Msg("playback started")

	chunk := e.chunkFrames * pcm.Format.Channels
	var lvl float64
	for off := 0; off < len(pcm.Samples); off += chunk {
		select {
		case <-pb.stop:
			outcome = "stopped"
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		part := pcm.Samples[off:min(off+chunk, len(pcm.Samples))]
		// Speech rarely exceeds half scale, so meter against that.
		lvl = max(audio.RMS(part)*2, lvl*e.decay)
		e.level.Set(lvl)

		if err := out.Write(part); err != nil {
			return fmt.Errorf("failed to write speaker: %w", err)
		}
	}
	return nil
}

// Stop ends the current playback and waits until the speaker is released.
// It is safe to call at any time, any number of times.
func (e *Engine) Stop() {
	e.mu.Lock()
	pb := e.current
	e.mu.Unlock()
	if pb != nil {
		pb.halt()
		<-pb.done
	}
	e.level.Reset()
}
