package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/capture"
	"github.com/lukasbauer/voiceloop/internal/eventlog"
	"github.com/lukasbauer/voiceloop/internal/llm"
	"github.com/lukasbauer/voiceloop/internal/logging"
	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/lukasbauer/voiceloop/internal/monitoring"
	"github.com/lukasbauer/voiceloop/internal/stt"
	"github.com/lukasbauer/voiceloop/internal/tts"
	"github.com/lukasbauer/voiceloop/internal/usage"
)

// User-visible failure messages.
const (
	MsgNoAudio         = "No audio recorded"
	MsgNotUnderstood   = "Couldn't understand"
	msgMicError        = "Mic error: "
	msgTranscribeError = "Transcription failed: "
	msgChatError       = "Chat failed: "
)

const (
	DefaultRemoteTimeout = 30 * time.Second
	DefaultMeterInterval = 50 * time.Millisecond
)

// Capturer records one utterance. *capture.Engine implements it.
type Capturer interface {
	Capture(ctx context.Context, p capture.Params) (*audio.Utterance, error)
	Stop()
	Level() float64
}

// Player plays one clip. *playback.Engine implements it.
type Player interface {
	Play(ctx context.Context, clip []byte) error
	Stop()
	Level() float64
}

// EventLogger records per-turn events. *eventlog.Logger implements it.
type EventLogger interface {
	LogAsync(turnID string, eventType eventlog.EventType, data map[string]any)
}

// Config tunes the orchestrator.
type Config struct {
	Capture       capture.Params
	RemoteTimeout time.Duration
	MeterInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = DefaultRemoteTimeout
	}
	if c.MeterInterval <= 0 {
		c.MeterInterval = DefaultMeterInterval
	}
	return c
}

// Orchestrator sequences capture, transcription, reply and speech for one
// turn at a time. Every turn ends in Idle.
type Orchestrator struct {
	capturer Capturer
	player   Player
	stt      stt.Client
	llm      llm.Client
	tts      tts.Client

	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	reporter  monitoring.Reporter
	events    EventLogger
	recorders []Recorder
	sink      RenderSink
	history   *History
	now       func() time.Time

	// renderMu orders sink calls; mu guards snap and latch.
	renderMu sync.Mutex
	mu       sync.Mutex
	snap     Snapshot
	latch    *stopLatch

	turns   sync.WaitGroup
	records sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReporter sets the error reporter.
func WithReporter(r monitoring.Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithEventLog sets the per-turn event log.
func WithEventLog(e EventLogger) Option {
	return func(o *Orchestrator) { o.events = e }
}

// WithRecorder adds a recorder for completed turns.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorders = append(o.recorders, r) }
}

// WithSink sets the render sink.
func WithSink(s RenderSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithHistory shares a conversation history between orchestrators.
func WithHistory(h *History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(c Capturer, p Player, s stt.Client, l llm.Client, t tts.Client, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		capturer: c,
		player:   p,
		stt:      s,
		llm:      l,
		tts:      t,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		reporter: monitoring.Nop{},
		sink:     MultiSink(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.history == nil {
		o.history = NewHistory(0)
	}
	return o
}

// Snapshot returns the current render state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

// History returns the conversation so far.
func (o *Orchestrator) History() []Message {
	return o.history.Messages()
}

// StartTurn runs one turn to completion. It returns false without side
// effects when a turn is already in progress. A panicking turn ends in Idle
// with an internal error and still counts as run.
func (o *Orchestrator) StartTurn(ctx context.Context) (ran bool) {
	turnID, ok := o.begin()
	if !ok {
		return false
	}
	ran = true
	defer o.recoverTurn(turnID)
	o.run(ctx, turnID)
	return ran
}

// LaunchTurn starts a turn in the background and returns a channel closed
// when it ends. It returns false when a turn is already in progress.
func (o *Orchestrator) LaunchTurn(ctx context.Context) (<-chan struct{}, bool) {
	turnID, ok := o.begin()
	if !ok {
		return nil, false
	}
	done := make(chan struct{})
	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		defer close(done)
		defer o.recoverTurn(turnID)
		o.run(ctx, turnID)
	}()
	return done, true
}

// recoverTurn swallows a panic that run has already turned into a failed
// turn.
func (o *Orchestrator) recoverTurn(turnID string) {
	if r := recover(); r != nil {
		o.logger.Error().Interface("panic", r).Str("turn_id", turnID).Msg("turn panicked")
	}
}

// stopLatch ends one turn's capture, even before the capturer has started.
type stopLatch struct {
	ch   chan struct{}
	once sync.Once
}

func newStopLatch() *stopLatch {
	return &stopLatch{ch: make(chan struct{})}
}

func (l *stopLatch) trip() {
	if l != nil {
		l.once.Do(func() { close(l.ch) })
	}
}

// begin moves Idle to Listening under a fresh turn id.
func (o *Orchestrator) begin() (string, bool) {
	o.renderMu.Lock()
	defer o.renderMu.Unlock()
	o.mu.Lock()
	if o.snap.State != Idle {
		o.mu.Unlock()
		o.metrics.RecordTurnRejected()
		return "", false
	}
	turnID := uuid.NewString()
	o.snap = Snapshot{TurnID: turnID, State: Listening}
	o.latch = newStopLatch()
	snap := o.snap
	o.mu.Unlock()
	o.sink.Render(snap)
	return turnID, true
}

// ToggleTurn ends the capture early when listening, otherwise it starts a
// turn. It reports whether a turn ran.
func (o *Orchestrator) ToggleTurn(ctx context.Context) bool {
	if o.State() == Listening {
		o.StopCapture()
		return false
	}
	return o.StartTurn(ctx)
}

// StopCapture ends an in-flight capture; the turn continues with what was
// heard. A stop that lands before the capture has started still ends it.
func (o *Orchestrator) StopCapture() {
	o.mu.Lock()
	listening := o.snap.State == Listening
	latch := o.latch
	o.mu.Unlock()
	if listening {
		latch.trip()
		o.capturer.Stop()
	}
}

// StopSpeaking cuts the reply playback short. The turn still completes.
func (o *Orchestrator) StopSpeaking() {
	if o.State() == Speaking {
		o.player.Stop()
	}
}

// StopAll stops capture and playback regardless of state.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	latch := o.latch
	o.mu.Unlock()
	latch.trip()
	o.capturer.Stop()
	o.player.Stop()
}

// Wait blocks until launched turns have ended and pending turn records
// are written.
func (o *Orchestrator) Wait() {
	o.turns.Wait()
	o.records.Wait()
}

type turnRun struct {
	id      string
	logger  zerolog.Logger
	started time.Time
	heard   string
	speaker *stt.SpeakerHint
	usage   usage.TurnMetrics
	stop    <-chan struct{}
}

func (o *Orchestrator) run(ctx context.Context, turnID string) {
	t := &turnRun{
		id:      turnID,
		logger:  logging.WithTurn(o.logger, turnID),
		started: o.now(),
	}
	o.mu.Lock()
	if o.latch != nil {
		t.stop = o.latch.ch
	}
	o.mu.Unlock()
	o.metrics.RecordTurnStart()
	o.logEvent(t, eventlog.EventTurnStarted, nil)

	meterCtx, stopMeter := context.WithCancel(ctx)
	meterDone := make(chan struct{})
	go o.meter(meterCtx, meterDone)
	halt := func() {
		stopMeter()
		<-meterDone
	}

	defer func() {
		if r := recover(); r != nil {
			halt()
			o.StopAll()
			o.fail(t, &Failure{Kind: KindUnknown, Message: "Internal error", Err: fmt.Errorf("panic: %v", r)})
			panic(r)
		}
	}()

	err := o.pipeline(ctx, t)
	halt()

	if err != nil {
		o.fail(t, err)
		return
	}
	o.complete(t)
}

// pipeline runs the turn steps and returns the error that ended the turn,
// if any. Absorbed failures are logged and do not return.
func (o *Orchestrator) pipeline(ctx context.Context, t *turnRun) *Failure {
	params := o.cfg.Capture
	params.Stop = t.stop
	utt, err := o.capturer.Capture(ctx, params)
	if err != nil {
		return &Failure{Kind: DeviceUnavailable, Message: msgMicError + err.Error(), Err: err}
	}
	if utt == nil {
		return &Failure{Kind: NoSpeechDetected, Message: MsgNoAudio}
	}
	t.usage.AudioSeconds = utt.Duration.Seconds()
	o.logEvent(t, eventlog.EventCaptureEnded, map[string]any{
		"reason":      string(utt.EndReason),
		"duration_ms": utt.Duration.Milliseconds(),
	})

	o.transition(Transcribing, nil)
	tr, err := o.transcribe(ctx, utt)
	if err != nil {
		return &Failure{Kind: RemoteUnavailable, Message: msgTranscribeError + err.Error(), Err: err}
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return &Failure{Kind: EmptyTranscription, Message: MsgNotUnderstood}
	}
	t.heard = text
	t.speaker = tr.Speaker
	o.logEvent(t, eventlog.EventTranscribed, map[string]any{"text": text})

	o.history.Append(Message{Text: text, IsUser: true, CreatedAt: o.now()})
	o.transition(Thinking, func(s *Snapshot) { s.LastHeard = text })

	reply, err := o.respond(ctx, text)
	if err != nil {
		return &Failure{Kind: RemoteUnavailable, Message: msgChatError + err.Error(), Err: err}
	}
	replyText := strings.TrimSpace(reply.Text)
	t.usage.LLMInputTokens = usage.EstimateTokens(text)
	t.usage.LLMOutputTokens = usage.EstimateTokens(replyText)
	o.logEvent(t, eventlog.EventResponded, map[string]any{"text": replyText})

	o.history.Append(Message{Text: replyText, IsUser: false, CreatedAt: o.now()})
	o.transition(Speaking, func(s *Snapshot) {
		s.LastSpoken = replyText
		s.Actions = reply.Actions
	})
	t.usage.TTSCharacters = len(replyText)
	o.record(t, replyText, reply)

	o.speak(ctx, t, replyText)
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, utt *audio.Utterance) (*stt.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	defer cancel()

	start := o.now()
	tr, err := o.stt.Transcribe(ctx, utt.WAV())
	o.metrics.RecordRemoteCall("transcribe", err, o.now().Sub(start).Seconds())
	if err == nil && tr == nil {
		tr = &stt.Transcript{}
	}
	return tr, err
}

func (o *Orchestrator) respond(ctx context.Context, text string) (*llm.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	defer cancel()

	start := o.now()
	reply, err := o.llm.Respond(ctx, text)
	if err == nil && (reply == nil || strings.TrimSpace(reply.Text) == "") {
		err = errors.New("empty response")
	}
	o.metrics.RecordRemoteCall("respond", err, o.now().Sub(start).Seconds())
	return reply, err
}

// speak synthesizes and plays the reply. Failures are absorbed.
func (o *Orchestrator) speak(ctx context.Context, t *turnRun, text string) {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.RemoteTimeout)
	start := o.now()
	clip, err := o.tts.Synthesize(sctx, text)
	cancel()
	o.metrics.RecordRemoteCall("synthesize", err, o.now().Sub(start).Seconds())
	if err != nil {
		terr := &Failure{Kind: SynthesisUnavailable, Message: "Speech unavailable", Err: err}
		t.logger.Warn().Err(err).Msg("speech synthesis failed, reply delivered as text")
		o.logEvent(t, eventlog.EventSynthesisFailed, map[string]any{"error": err.Error()})
		o.report(t, terr)
		return
	}
	if len(clip) == 0 {
		t.logger.Debug().Msg("synthesis returned no audio")
		return
	}

	if err := o.player.Play(ctx, clip); err != nil {
		t.logger.Warn().Err(err).Msg("playback failed")
		o.logEvent(t, eventlog.EventPlaybackFailed, map[string]any{"error": err.Error()})
		if !errors.Is(err, context.Canceled) {
			o.report(t, &Failure{Kind: KindOf(err), Message: "Playback failed", Err: err})
		}
	}
}

func (o *Orchestrator) record(t *turnRun, replyText string, reply *llm.Reply) {
	if len(o.recorders) == 0 {
		return
	}
	rec := ConversationTurn{
		ID:            t.id,
		UtteranceText: t.heard,
		ResponseText:  replyText,
		Actions:       reply.Actions,
		Speaker:       t.speaker,
		Usage:         t.usage,
		Costs:         usage.CalculateTurnCosts(t.usage),
		CreatedAt:     o.now(),
	}
	for _, r := range o.recorders {
		o.records.Add(1)
		go func(r Recorder) {
			defer o.records.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.RecordTurn(ctx, rec); err != nil {
				t.logger.Warn().Err(err).Msg("failed to record turn")
			}
		}(r)
	}
}

func (o *Orchestrator) fail(t *turnRun, err *Failure) {
	elapsed := o.now().Sub(t.started)
	switch err.Kind {
	case NoSpeechDetected, EmptyTranscription:
		t.logger.Info().Str("kind", err.Kind.String()).Msg(err.Message)
	default:
		t.logger.Warn().Err(err.Err).Str("kind", err.Kind.String()).Msg(err.Message)
		o.report(t, err)
	}

	o.metrics.RecordTurnEnd(err.Kind.String(), elapsed.Seconds())
	o.logEvent(t, eventlog.EventTurnFailed, map[string]any{
		"kind":    err.Kind.String(),
		"message": err.Message,
	})

	o.transition(Error, func(s *Snapshot) { s.ErrorMessage = err.Message })
	o.transition(Idle, nil)
}

func (o *Orchestrator) complete(t *turnRun) {
	elapsed := o.now().Sub(t.started)
	costs := usage.CalculateTurnCosts(t.usage)
	o.metrics.RecordTurnEnd("completed", elapsed.Seconds())
	o.logEvent(t, eventlog.EventTurnCompleted, map[string]any{
		"duration_ms":       elapsed.Milliseconds(),
		"cost_millicents":   costs.TotalMilliCents,
		"tts_characters":    t.usage.TTSCharacters,
		"audio_seconds":     t.usage.AudioSeconds,
		"llm_output_tokens": t.usage.LLMOutputTokens,
	})
	t.logger.Info().Dur("elapsed", elapsed).Msg("turn completed")
	o.transition(Idle, nil)
}

// transition moves to state, applies edit and renders. Level is reset on
// every transition.
func (o *Orchestrator) transition(state State, edit func(*Snapshot)) {
	o.renderMu.Lock()
	defer o.renderMu.Unlock()

	o.mu.Lock()
	o.snap.State = state
	o.snap.Level = 0
	if edit != nil {
		edit(&o.snap)
	}
	snap := o.snap
	o.mu.Unlock()

	o.sink.Render(snap)
}

// meter republishes the active engine's level while listening or speaking.
func (o *Orchestrator) meter(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.MeterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.renderMu.Lock()
		o.mu.Lock()
		var level float64
		switch o.snap.State {
		case Listening:
			level = o.capturer.Level()
		case Speaking:
			level = o.player.Level()
		default:
			o.mu.Unlock()
			o.renderMu.Unlock()
			continue
		}
		o.snap.Level = level
		snap := o.snap
		o.mu.Unlock()
		o.sink.Render(snap)
		o.renderMu.Unlock()
	}
}

func (o *Orchestrator) logEvent(t *turnRun, eventType eventlog.EventType, data map[string]any) {
	if o.events != nil {
		o.events.LogAsync(t.id, eventType, data)
	}
}

func (o *Orchestrator) report(t *turnRun, err *Failure) {
	if errors.Is(err, context.Canceled) {
		return
	}
	o.reporter.Report(err, map[string]string{
		"turn_id": t.id,
		"kind":    err.Kind.String(),
	})
}
