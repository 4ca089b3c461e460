package wake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/lukasbauer/voiceloop/internal/permissions"
	"github.com/lukasbauer/voiceloop/internal/settings"
)

// ErrPermissionMissing is returned by Enable when the microphone or overlay
// permission is not granted.
var ErrPermissionMissing = errors.New("wake word needs microphone and overlay permission")

var errSuspended = errors.New("wake word listener suspended")

const (
	DefaultDebounce     = 2 * time.Second
	DefaultErrorBackoff = time.Second
)

// Launcher starts one session for a detection and returns a channel closed
// when the session ends. A nil channel with a nil error means a session is
// already active and the detection was ignored. The session must end when
// ctx is done.
type Launcher interface {
	Launch(ctx context.Context, d Detection) (<-chan struct{}, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, d Detection) (<-chan struct{}, error)

func (f LauncherFunc) Launch(ctx context.Context, d Detection) (<-chan struct{}, error) {
	return f(ctx, d)
}

// Config tunes the listener loop.
type Config struct {
	Debounce     time.Duration
	ErrorBackoff time.Duration
}

// Status describes the listener for status commands.
type Status struct {
	Enabled        bool      `json:"enabled"`
	Running        bool      `json:"running"`
	MicGranted     bool      `json:"mic_granted"`
	OverlayGranted bool      `json:"overlay_granted"`
	LastTrigger    time.Time `json:"last_trigger,omitempty"`
}

// Listener runs the wake-word loop in the background and launches one
// session per accepted detection.
type Listener struct {
	detector Detector
	launcher Launcher
	store    settings.Store
	perms    permissions.Checker
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastTrigger time.Time

	// Last permission flags written to the store.
	permsSaved   bool
	savedMic     bool
	savedOverlay bool

	// holds counts Suspend callers; resume is closed when it drops to zero.
	holds        int
	resume       chan struct{}
	detectCancel context.CancelFunc
	detectDone   chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the listener logger.
func WithLogger(l zerolog.Logger) Option {
	return func(li *Listener) { li.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(li *Listener) { li.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(li *Listener) { li.now = now }
}

// NewListener creates a stopped listener.
func NewListener(d Detector, l Launcher, store settings.Store, perms permissions.Checker, cfg Config, opts ...Option) *Listener {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	li := &Listener{
		detector: d,
		launcher: l,
		store:    store,
		perms:    perms,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(li)
	}
	return li
}

// Enable persists the enabled flag and starts the loop. It fails with
// ErrPermissionMissing when a permission is not granted; the flag is left
// unchanged in that case.
func (l *Listener) Enable(ctx context.Context) error {
	mic, overlay := l.checkPermissions(ctx)
	if !mic || !overlay {
		return ErrPermissionMissing
	}
	if err := settings.SetBool(ctx, l.store, settings.KeyWakeWordEnabled, true); err != nil {
		return err
	}
	l.Start(ctx)
	return nil
}

// Disable persists the disabled flag and stops the loop.
func (l *Listener) Disable(ctx context.Context) error {
	l.Stop()
	return settings.SetBool(ctx, l.store, settings.KeyWakeWordEnabled, false)
}

// Restore starts the loop iff the enabled flag is set and both permissions
// are granted. Otherwise it does nothing and reports false.
func (l *Listener) Restore(ctx context.Context) (bool, error) {
	enabled, err := settings.GetBool(ctx, l.store, settings.KeyWakeWordEnabled)
	if err != nil {
		return false, err
	}
	if !enabled {
		l.logger.Debug().Msg("wake word disabled, not restoring")
		return false, nil
	}
	mic, overlay := l.checkPermissions(ctx)
	if !mic || !overlay {
		l.logger.Info().Bool("mic", mic).Bool("overlay", overlay).Msg("wake word enabled but permission missing, not restoring")
		return false, nil
	}
	l.Start(ctx)
	return true, nil
}

// Start runs the loop until Stop or until ctx is done. Starting a running
// listener is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.metrics.SetListenerActive(true)
	l.logger.Info().Msg("wake word listener started")

	go func() {
		defer close(done)
		defer cancel()
		l.loop(ctx)

		l.mu.Lock()
		if l.done == done {
			l.done = nil
			l.cancel = nil
		}
		l.mu.Unlock()
		l.metrics.SetListenerActive(false)
		l.logger.Info().Msg("wake word listener stopped")
	}()
}

// Stop cancels the loop and waits for it to exit, including any session it
// is waiting on.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// Status reports the persisted flag, permissions and loop state.
func (l *Listener) Status(ctx context.Context) (Status, error) {
	enabled, err := settings.GetBool(ctx, l.store, settings.KeyWakeWordEnabled)
	if err != nil {
		return Status{}, err
	}
	mic, overlay := l.checkPermissions(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Enabled:        enabled,
		Running:        l.done != nil,
		MicGranted:     mic,
		OverlayGranted: overlay,
		LastTrigger:    l.lastTrigger,
	}, nil
}

// Suspend pauses detection so the microphone is free for a session started
// outside the loop. An in-flight Detect is cancelled and has returned by the
// time Suspend does. Detection resumes once every release has been called;
// release is idempotent.
func (l *Listener) Suspend() (release func()) {
	l.mu.Lock()
	l.holds++
	if l.holds == 1 {
		l.resume = make(chan struct{})
	}
	cancel, done := l.detectCancel, l.detectDone
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.holds--
			if l.holds == 0 {
				close(l.resume)
				l.resume = nil
			}
		})
	}
}

// Suspended reports whether a Suspend hold is outstanding.
func (l *Listener) Suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holds > 0
}

// checkPermissions queries the current permission status and persists it
// when it differs from what was last written.
func (l *Listener) checkPermissions(ctx context.Context) (mic, overlay bool) {
	mic = l.perms.MicrophoneGranted(ctx)
	overlay = l.perms.OverlayGranted(ctx)

	l.mu.Lock()
	unchanged := l.permsSaved && l.savedMic == mic && l.savedOverlay == overlay
	l.mu.Unlock()
	if unchanged {
		return mic, overlay
	}

	saved := true
	if err := settings.SetBool(ctx, l.store, settings.KeyMicGranted, mic); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist microphone permission")
		saved = false
	}
	if err := settings.SetBool(ctx, l.store, settings.KeyOverlayGranted, overlay); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist overlay permission")
		saved = false
	}
	l.mu.Lock()
	l.permsSaved = saved
	l.savedMic, l.savedOverlay = mic, overlay
	l.mu.Unlock()
	return mic, overlay
}

// waitResumed blocks while the listener is suspended. It returns false when
// ctx is done first.
func (l *Listener) waitResumed(ctx context.Context) bool {
	l.mu.Lock()
	resume := l.resume
	l.mu.Unlock()
	if resume == nil {
		return true
	}
	select {
	case <-resume:
		return true
	case <-ctx.Done():
		return false
	}
}

// detect runs one Detect that Suspend can cancel. It returns errSuspended
// when a hold is taken before or during the call.
func (l *Listener) detect(ctx context.Context) (Detection, error) {
	l.mu.Lock()
	if l.holds > 0 {
		l.mu.Unlock()
		return Detection{}, errSuspended
	}
	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.detectCancel, l.detectDone = cancel, done
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.detectCancel, l.detectDone = nil, nil
		l.mu.Unlock()
		cancel()
		close(done)
	}()

	d, err := l.detector.Detect(dctx)
	if err != nil && ctx.Err() == nil && dctx.Err() != nil {
		err = errSuspended
	}
	return d, err
}

func (l *Listener) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if !l.waitResumed(ctx) {
			return
		}
		if mic, overlay := l.checkPermissions(ctx); !mic || !overlay {
			l.logger.Warn().Bool("mic", mic).Bool("overlay", overlay).Msg("permission revoked, stopping wake word listener")
			return
		}

		d, err := l.detect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errSuspended) {
				continue
			}
			l.metrics.RecordWakeDetection("error")
			l.logger.Warn().Err(err).Msg("wake word detector failed")
			if !sleepCtx(ctx, l.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		now := l.now()
		l.mu.Lock()
		last, held := l.lastTrigger, l.holds > 0
		l.mu.Unlock()
		if held {
			l.metrics.RecordWakeDetection("busy")
			l.logger.Debug().Msg("listener suspended, wake word ignored")
			continue
		}
		if !last.IsZero() && now.Sub(last) < l.cfg.Debounce {
			l.metrics.RecordWakeDetection("debounced")
			l.logger.Debug().Msg("wake word debounced")
			continue
		}

		done, err := l.launcher.Launch(ctx, d)
		if err != nil {
			l.metrics.RecordWakeDetection("launch_failed")
			l.logger.Warn().Err(err).Msg("failed to launch session")
			continue
		}
		if done == nil {
			l.metrics.RecordWakeDetection("busy")
			l.logger.Debug().Msg("session already active, wake word ignored")
			continue
		}

		l.mu.Lock()
		l.lastTrigger = now
		l.mu.Unlock()
		l.metrics.RecordWakeDetection("triggered")
		l.logger.Info().Str("phrase", d.Phrase).Str("source", d.Source).Msg("wake word detected")
		if err := l.store.Set(ctx, settings.KeyLastWakeTriggered, now.UTC().Format(time.RFC3339)); err != nil {
			l.logger.Warn().Err(err).Msg("failed to persist wake trigger")
		}

		select {
		case <-done:
		case <-ctx.Done():
			<-done
			return
		}
		// Debounce from the end of the session, not its start.
		l.mu.Lock()
		l.lastTrigger = l.now()
		l.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
