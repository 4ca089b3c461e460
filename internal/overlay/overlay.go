// Package overlay binds one externally triggered turn to a presentation
// surface and tears everything down when the turn ends.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/lukasbauer/voiceloop/internal/monitoring"
	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

// ErrPresentationUnavailable is wrapped by Create when the surface cannot
// be acquired.
var ErrPresentationUnavailable = errors.New("presentation surface unavailable")

const (
	DefaultAutoHide    = 1500 * time.Millisecond
	DefaultMaxLifetime = 90 * time.Second
)

// Surface hands out presentation handles.
type Surface interface {
	Acquire(ctx context.Context) (Presentation, error)
}

// Presentation is one acquired surface.
type Presentation interface {
	// Dismissed is closed when the user dismisses the surface.
	Dismissed() <-chan struct{}
	Release() error
}

// Turn runs one turn. *turn.Orchestrator implements it.
type Turn interface {
	StartTurn(ctx context.Context) bool
	StopCapture()
	StopSpeaking()
}

// Config tunes sessions.
type Config struct {
	AutoHide    time.Duration // surface stays this long after the turn ends
	MaxLifetime time.Duration // hard cap on a session
}

// End reasons.
const (
	EndCompleted = "completed"
	EndDismissed = "dismissed"
	EndTimeout   = "timeout"
	EndCancelled = "cancelled"
	EndPanic     = "panic"
)

// Manager creates overlay sessions, one at a time.
type Manager struct {
	surface  Surface
	turn     Turn
	cfg      Config
	registry *Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	reporter monitoring.Reporter

	mu      sync.Mutex
	current *Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithReporter sets the error reporter for recovered panics.
func WithReporter(r monitoring.Reporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// NewManager creates a manager.
func NewManager(surface Surface, t Turn, cfg Config, opts ...Option) *Manager {
	if cfg.AutoHide <= 0 {
		cfg.AutoHide = DefaultAutoHide
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	m := &Manager{
		surface:  surface,
		turn:     t,
		cfg:      cfg,
		registry: NewRegistry(1),
		logger:   zerolog.Nop(),
		reporter: monitoring.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create acquires the surface and starts a turn on it. It returns nil, nil
// when a session is already active or the manager is shutting down. The
// session ends when ctx is done.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	if !m.registry.Add() {
		m.metrics.RecordOverlaySession("busy")
		return nil, nil
	}

	pres, err := m.surface.Acquire(ctx)
	if err != nil {
		m.registry.Done()
		m.metrics.RecordOverlaySession("unavailable")
		m.logger.Warn().Err(err).Msg("failed to acquire overlay surface")
		return nil, &turn.Failure{
			Kind:    turn.PresentationUnavailable,
			Message: "Overlay unavailable",
			Err:     fmt.Errorf("%w: %w", ErrPresentationUnavailable, err),
		}
	}

	s := &Session{
		id:      uuid.NewString(),
		pres:    pres,
		dismiss: make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	go m.run(ctx, s)
	return s, nil
}

// Launch creates a session for a wake detection. It satisfies
// wake.Launcher.
func (m *Manager) Launch(ctx context.Context, d wake.Detection) (<-chan struct{}, error) {
	s, err := m.Create(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	m.logger.Debug().Str("session_id", s.id).Str("phrase", d.Phrase).Msg("overlay session for wake word")
	return s.Done(), nil
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	return m.registry.ActiveCount() > 0
}

// Current returns the running session or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Dismiss dismisses the running session, if any.
func (m *Manager) Dismiss() {
	if s := m.Current(); s != nil {
		s.Dismiss()
	}
}

// Shutdown rejects new sessions, dismisses the current one and waits for
// it to tear down or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.registry.StartDraining()
	m.Dismiss()

	done := make(chan struct{})
	go func() {
		m.registry.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, s *Session) {
	defer close(s.done)
	defer m.registry.Done()
	defer func() {
		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.mu.Unlock()
	}()

	logger := m.logger.With().Str("session_id", s.id).Logger()
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.MaxLifetime)
	defer cancel()

	turnDone := make(chan struct{})
	var panicked atomic.Bool
	go func() {
		defer close(turnDone)
		defer func() {
			if r := recover(); r != nil {
				panicked.Store(true)
				logger.Error().Interface("panic", r).Msg("overlay turn panicked")
				m.reporter.Report(fmt.Errorf("overlay turn panic: %v", r), map[string]string{"session_id": s.id})
			}
		}()
		if !m.turn.StartTurn(runCtx) {
			logger.Info().Msg("another turn is running, overlay shows without a turn")
		}
	}()

	reason := m.wait(runCtx, s, turnDone, &panicked)

	// Fixed order: capture, playback, surface.
	cancel()
	m.turn.StopCapture()
	m.turn.StopSpeaking()
	<-turnDone
	if err := s.pres.Release(); err != nil {
		logger.Warn().Err(err).Msg("failed to release overlay surface")
	}

	s.setReason(reason)
	m.metrics.RecordOverlaySession(reason)
	logger.Info().Str("reason", reason).Msg("overlay session ended")
}

// wait blocks until the session should tear down and returns why.
func (m *Manager) wait(ctx context.Context, s *Session, turnDone <-chan struct{}, panicked *atomic.Bool) string {
	select {
	case <-turnDone:
		if panicked.Load() {
			return EndPanic
		}
	case <-s.dismiss:
		return EndDismissed
	case <-s.pres.Dismissed():
		return EndDismissed
	case <-ctx.Done():
		return ctxReason(ctx)
	}

	hide := time.NewTimer(m.cfg.AutoHide)
	defer hide.Stop()
	select {
	case <-hide.C:
		return EndCompleted
	case <-s.dismiss:
		return EndDismissed
	case <-s.pres.Dismissed():
		return EndDismissed
	case <-ctx.Done():
		return ctxReason(ctx)
	}
}

func ctxReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return EndTimeout
	}
	return EndCancelled
}

// Session is one overlay lifetime.
type Session struct {
	id          string
	pres        Presentation
	dismiss     chan struct{}
	dismissOnce sync.Once
	done        chan struct{}

	mu     sync.Mutex
	reason string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed after teardown completes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dismiss ends the session early. It is safe to call more than once.
func (s *Session) Dismiss() {
	s.dismissOnce.Do(func() { close(s.dismiss) })
}

// Reason returns why the session ended, or "" while it runs.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) setReason(r string) {
	s.mu.Lock()
	s.reason = r
	s.mu.Unlock()
}
