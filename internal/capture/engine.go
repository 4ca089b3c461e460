// Package capture records one utterance from the microphone, segmenting it
// with a threshold voice activity detector.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrCaptureInProgress is returned when Capture is called while another
// capture on the same engine is still running.
var ErrCaptureInProgress = errors.New("capture already in progress")

// Engine captures utterances from a microphone. At most one capture runs at
// a time; Stop may be called from any goroutine.
type Engine struct {
	mic     audio.Microphone
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	level   audio.Level

	mu     sync.Mutex
	active *run
}

type run struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *run) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
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

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a capture engine on mic.
func New(mic audio.Microphone, opts ...Option) *Engine {
	e := &Engine{
		mic:    mic,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Level returns the live microphone amplitude. It is 0 when no capture runs.
func (e *Engine) Level() float64 {
	return e.level.Load()
}

// Active reports whether a capture is in flight.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Stop ends the in-flight capture at the next frame boundary. The capture
// returns whatever it heard so far. Stop is a no-op when nothing is captured.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.active
	e.mu.Unlock()
	if r != nil {
		r.halt()
	}
}

// Capture records until the detector ends the utterance, Stop is called,
// p.Stop is closed or ctx is cancelled. It returns nil without error when
// no voice was heard. The microphone is released before Capture returns on every path.
func (e *Engine) Capture(ctx context.Context, p Params) (*audio.Utterance, error) {
	p = p.withDefaults()

	r := &run{stop: make(chan struct{})}
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrCaptureInProgress
	}
	e.active = r
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
	}()
	defer e.level.Reset()

	stream, err := e.mic.Open(ctx)
	if err != nil {
		e.metrics.RecordCapture("device_unavailable", 0)
		if errors.Is(err, audio.ErrDeviceUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close microphone")
		}
	}()

	start := e.now()
	vad := NewVAD(p, start)
	frame := make([]int16, audio.FrameSamples)
	var pcm bytes.Buffer

	var reason audio.EndReason
loop:
	for {
		select {
		case <-r.stop:
			reason = audio.EndStopped
			break loop
		case <-p.Stop:
			reason = audio.EndStopped
			break loop
		case <-ctx.Done():
			reason = audio.EndCancelled
			break loop
		default:
		}

		if err := stream.Read(frame); err != nil {
			e.metrics.RecordCapture("read_error", 0)
			return nil, fmt.Errorf("failed to read microphone: %w", err)
		}
		pcm.Write(audio.SamplesToBytes(frame))

		level := audio.MeanAbs(frame)
		e.level.Set(level)

		if end, done := vad.Observe(level, e.now()); done {
			reason = end
			break loop
		}
	}

	elapsed := e.now().Sub(start)
	if !vad.HasVoice() {
		e.metrics.RecordCapture("no_speech", 0)
		e.logger.Debug().Str("reason", string(reason)).Dur("elapsed", elapsed).Msg("capture ended without speech")
		return nil, nil
	}

	u := &audio.Utterance{
		PCM:       pcm.Bytes(),
		Format:    audio.CaptureFormat,
		Duration:  audio.CaptureFormat.Duration(pcm.Len()),
		EndReason: reason,
	}
	e.metrics.RecordCapture(string(reason), u.Duration.Seconds())
	e.logger.Debug().
		Str("reason", string(reason)).
		Dur("elapsed", elapsed).
		Int("bytes", len(u.PCM)).
		Msg("utterance captured")
	return u, nil
}
