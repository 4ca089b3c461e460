package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/audio/portaudio"
	"github.com/lukasbauer/voiceloop/internal/capture"
	"github.com/lukasbauer/voiceloop/internal/eventlog"
	"github.com/lukasbauer/voiceloop/internal/jobs"
	"github.com/lukasbauer/voiceloop/internal/llm"
	"github.com/lukasbauer/voiceloop/internal/logging"
	"github.com/lukasbauer/voiceloop/internal/overlay"
	"github.com/lukasbauer/voiceloop/internal/permissions"
	"github.com/lukasbauer/voiceloop/internal/playback"
	"github.com/lukasbauer/voiceloop/internal/statusws"
	"github.com/lukasbauer/voiceloop/internal/stt"
	"github.com/lukasbauer/voiceloop/internal/tts"
	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/wake"
	"github.com/lukasbauer/voiceloop/internal/wake/kws"
)

// Assistant owns the audio devices, the providers and the status hub.
type Assistant struct {
	app      *App
	logger   zerolog.Logger
	mic      *portaudio.Microphone
	capture  *capture.Engine
	playback *playback.Engine
	stt      stt.Client
	llm      llm.Client
	tts      tts.Client
	hub      *statusws.Hub
	history  *turn.History
	closers  []func() error
}

// NewAssistant opens the audio subsystem and builds the configured
// providers.
func (a *App) NewAssistant(ctx context.Context) (*Assistant, error) {
	if err := portaudio.Init(); err != nil {
		return nil, fmt.Errorf("init audio: %w", err)
	}
	as := &Assistant{
		app:     a,
		logger:  logging.WithComponent("assistant"),
		closers: []func() error{portaudio.Terminate},
		hub:     statusws.NewHub(logging.WithComponent("statusws")),
		history: turn.NewHistory(a.cfg.HistoryLimit),
	}

	sttClient, sttCloser, err := a.newSTT(ctx)
	if err != nil {
		as.Close()
		return nil, err
	}
	if sttCloser != nil {
		as.closers = append(as.closers, sttCloser.Close)
	}
	as.stt = sttClient

	if as.llm, err = a.newLLM(); err != nil {
		as.Close()
		return nil, err
	}
	if as.tts, err = a.newTTS(); err != nil {
		as.Close()
		return nil, err
	}

	as.mic = portaudio.NewMicrophone()
	as.capture = capture.New(as.mic,
		capture.WithLogger(logging.WithComponent("capture")),
		capture.WithMetrics(a.metrics),
	)
	as.playback = playback.New(portaudio.NewSpeaker(),
		playback.WithLogger(logging.WithComponent("playback")),
		playback.WithMetrics(a.metrics),
	)

	as.logger.Info().
		Str("stt", a.cfg.STTProvider).
		Str("llm", a.cfg.LLMProvider).
		Str("tts", a.cfg.TTSProvider).
		Str("device_id", a.deviceID).
		Msg("assistant ready")
	return as, nil
}

// Hub returns the status hub.
func (as *Assistant) Hub() *statusws.Hub { return as.hub }

// ForegroundParams is the capture tuning for turns started by the user.
func (as *Assistant) ForegroundParams() capture.Params {
	c := as.app.cfg
	return capture.Params{
		MaxDuration:    c.CaptureMax,
		SilenceTimeout: c.CaptureSilence,
		MinDuration:    c.CaptureMin,
		Threshold:      c.VADThreshold,
	}
}

// OverlayParams is the shorter capture tuning for overlay turns.
func (as *Assistant) OverlayParams() capture.Params {
	c := as.app.cfg
	return capture.Params{
		MaxDuration:    c.OverlayCaptureMax,
		SilenceTimeout: c.CaptureSilence,
		MinDuration:    c.OverlayCaptureMin,
		Threshold:      c.VADThreshold,
	}
}

// wakeParams tunes the captures a wake detector listens with.
func (as *Assistant) wakeParams() capture.Params {
	return capture.Params{
		MaxDuration:    4 * time.Second,
		SilenceTimeout: 800 * time.Millisecond,
		Threshold:      as.app.cfg.VADThreshold,
	}
}

// NewOrchestrator builds a turn orchestrator rendering to the hub, the log
// and extra sinks.
func (as *Assistant) NewOrchestrator(params capture.Params, extra ...turn.RenderSink) *turn.Orchestrator {
	a := as.app
	sinks := turn.MultiSink{turn.NewLogSink(logging.WithComponent("turn")), as.hub}
	sinks = append(sinks, extra...)

	opts := []turn.Option{
		turn.WithLogger(logging.WithComponent("turn")),
		turn.WithMetrics(a.metrics),
		turn.WithReporter(a.reporter),
		turn.WithSink(sinks),
		turn.WithHistory(as.history),
	}
	if a.eventLog != nil {
		opts = append(opts, turn.WithEventLog(a.eventLog))
	}
	for _, r := range a.recorders() {
		opts = append(opts, turn.WithRecorder(r))
	}

	return turn.New(as.capture, as.playback, as.stt, as.llm, as.tts, turn.Config{
		Capture:       params,
		RemoteTimeout: a.cfg.RemoteTimeout,
	}, opts...)
}

// newDetector builds the configured wake detector. The closer may be nil.
func (as *Assistant) newDetector() (wake.Detector, func(), error) {
	c := as.app.cfg
	switch c.WakeDetector {
	case "kws":
		d, err := kws.New(as.mic, kws.Config{
			Encoder:      c.KWSEncoder,
			Decoder:      c.KWSDecoder,
			Joiner:       c.KWSJoiner,
			Tokens:       c.KWSTokens,
			KeywordsFile: c.KWSKeywords,
			Threshold:    float32(c.KWSThreshold),
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case "vad":
		return wake.NewVADDetector(as.capture, as.wakeParams()), nil, nil
	case "", "transcript":
		return wake.NewTranscriptDetector(as.capture, as.stt, as.wakeParams(), c.WakePhrases, c.RemoteTimeout), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown WAKE_DETECTOR %q", c.WakeDetector)
	}
}

// historySource serves /history from the database when configured and
// from the in-memory conversation otherwise.
func (as *Assistant) historySource() statusws.HistorySource {
	return statusws.HistoryFunc(func(ctx context.Context, limit int) ([]turn.Message, error) {
		msgs, err := as.app.RecentMessages(ctx, limit)
		if !errors.Is(err, ErrNoDatabase) {
			return msgs, err
		}
		msgs = as.history.Messages()
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		return msgs, nil
	})
}

func (as *Assistant) startHealthMonitor() *jobs.HealthMonitor {
	b := as.app.backend
	j := jobs.NewHealthMonitor(jobs.HealthCheckFunc(func(ctx context.Context) error {
		_, err := b.Health(ctx)
		return err
	}), jobs.ConnectivitySinks{as.hub, as.app.alerts}, as.app.metrics, logging.WithComponent("health"), as.app.cfg.HealthInterval)
	j.Start()
	return j
}

func (as *Assistant) newServer(turns statusws.Turns, wakeCtl statusws.WakeControl) *statusws.Server {
	return statusws.NewServer(statusws.ServerConfig{
		Addr:     as.app.cfg.HTTPAddr,
		Hub:      as.hub,
		Turns:    turns,
		History:  as.historySource(),
		Wake:     wakeCtl,
		Gatherer: prometheus.DefaultGatherer,
	}, logging.WithComponent("server"))
}

// serve runs the status server in the background. A failure to listen is
// logged and does not stop the assistant.
func (as *Assistant) serve(ctx context.Context, s *statusws.Server) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			as.logger.Error().Err(err).Msg("status server failed")
		}
	}()
	return done
}

// RunTalk runs the foreground loop: each line read from in toggles a turn,
// "q" quits. Turns are also started from status clients.
func (as *Assistant) RunTalk(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch := as.NewOrchestrator(as.ForegroundParams(), NewTerminalSink(out))
	ctl := &talkControls{ctx: ctx, orch: orch}
	as.hub.SetControls(ctl)

	health := as.startHealthMonitor()
	defer health.Stop()
	serverDone := as.serve(ctx, as.newServer(ctl, nil))

	fmt.Fprintln(out, "Press Enter to talk, Enter again to stop listening, q to quit.")
	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			as.shutdownTurns(orch)
			<-serverDone
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				cancel()
				continue
			}
			if line == "q" || line == "quit" {
				cancel()
				continue
			}
			if line == "s" {
				ctl.StopSpeaking()
				continue
			}
			ctl.Toggle()
		}
	}
}

// RunListen restores the wake listener, serves status clients and runs an
// overlay session for every detection until ctx is done.
func (as *Assistant) RunListen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := as.app

	orch := as.NewOrchestrator(as.OverlayParams())
	mgr := overlay.NewManager(as.hub, orch, overlay.Config{
		AutoHide:    a.cfg.OverlayAutoHide,
		MaxLifetime: a.cfg.OverlayMaxLifetime,
	},
		overlay.WithLogger(logging.WithComponent("overlay")),
		overlay.WithMetrics(a.metrics),
		overlay.WithReporter(a.reporter),
	)
	ctl := &listenControls{ctx: ctx, orch: orch, overlay: mgr, wake: a.publisher, logger: as.logger}
	if a.eventLog != nil {
		ctl.events = a.eventLog
	}
	as.hub.SetControls(ctl)

	detector, closeDetector, err := as.newDetector()
	if err != nil {
		return err
	}
	if closeDetector != nil {
		defer closeDetector()
	}

	perms := permissions.NewDeviceChecker(as.mic, as.mic.Held, a.cfg.OverlayEnabled)
	listener := wake.NewListener(detector, wake.LauncherFunc(ctl.launch), a.settings, perms, wake.Config{
		Debounce: a.cfg.WakeDebounce,
	},
		wake.WithLogger(logging.WithComponent("wake")),
		wake.WithMetrics(a.metrics),
	)
	ctl.detector = listener

	restored, err := listener.Restore(ctx)
	if err != nil {
		as.logger.Warn().Err(err).Msg("failed to restore wake listener")
	}
	as.logger.Info().Bool("wake_word", restored).Str("detector", a.cfg.WakeDetector).Msg("listening")

	health := as.startHealthMonitor()
	defer health.Stop()
	serverDone := as.serve(ctx, as.newServer(ctl, listener))

	<-ctx.Done()
	listener.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		as.logger.Warn().Err(err).Msg("overlay session did not end in time")
	}
	as.shutdownTurns(orch)
	<-serverDone
	return nil
}

func (as *Assistant) shutdownTurns(orch *turn.Orchestrator) {
	orch.StopAll()
	orch.Wait()
}

func (as *Assistant) Close() error {
	var errs []error
	for i := len(as.closers) - 1; i >= 0; i-- {
		if err := as.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// talkControls starts foreground turns on behalf of the keyboard and status
// clients.
type talkControls struct {
	ctx  context.Context
	orch *turn.Orchestrator
}

func (c *talkControls) StartTurn(ctx context.Context) bool {
	_, ok := c.orch.LaunchTurn(c.ctx)
	return ok
}

func (c *talkControls) Snapshot() turn.Snapshot { return c.orch.Snapshot() }

func (c *talkControls) Toggle() {
	if c.orch.State() == turn.Listening {
		c.orch.StopCapture()
		return
	}
	c.orch.LaunchTurn(c.ctx)
}

func (c *talkControls) StopSpeaking() { c.orch.StopSpeaking() }

// listenControls routes every turn through an overlay session.
type listenControls struct {
	ctx     context.Context
	orch    *turn.Orchestrator
	overlay *overlay.Manager
	events  eventLogger
	wake    wakePublisher
	logger  zerolog.Logger
	// detector is paused while a manually started session owns the
	// microphone. Nil when no wake listener runs.
	detector suspender
}

type suspender interface {
	Suspend() (release func())
}

type eventLogger interface {
	LogAsync(turnID string, eventType eventlog.EventType, data map[string]any)
}

type wakePublisher interface {
	PublishWake(ctx context.Context, d wake.Detection) error
}

func (c *listenControls) StartTurn(ctx context.Context) bool {
	release := func() {}
	if c.detector != nil {
		release = c.detector.Suspend()
	}
	s, err := c.overlay.Create(c.ctx)
	if err != nil {
		release()
		c.logger.Warn().Err(err).Msg("failed to open overlay session")
		return false
	}
	if s == nil {
		release()
		return false
	}
	go func() {
		<-s.Done()
		release()
	}()
	return true
}

func (c *listenControls) Snapshot() turn.Snapshot { return c.orch.Snapshot() }

func (c *listenControls) Toggle() {
	if c.overlay.Active() {
		c.orch.StopCapture()
		return
	}
	c.StartTurn(c.ctx)
}

func (c *listenControls) StopSpeaking() { c.orch.StopSpeaking() }

// launch opens an overlay session for a wake detection. It satisfies
// wake.Launcher.
func (c *listenControls) launch(ctx context.Context, d wake.Detection) (<-chan struct{}, error) {
	s, err := c.overlay.Create(ctx)
	if err != nil || s == nil {
		return nil, err
	}

	data := map[string]any{"phrase": d.Phrase, "source": d.Source}
	if c.events != nil {
		c.events.LogAsync(s.ID(), eventlog.EventWakeDetected, data)
	}
	if c.wake != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.wake.PublishWake(pubCtx, d)
		}()
	}
	go func() {
		<-s.Done()
		if c.events != nil && s.Reason() == overlay.EndDismissed {
			c.events.LogAsync(s.ID(), eventlog.EventOverlayDismissed, nil)
		}
	}()
	return s.Done(), nil
}
