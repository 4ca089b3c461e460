package turn

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Snapshot is the render state handed to the presentation layer on every
// change.
type Snapshot struct {
	TurnID       string          `json:"turn_id,omitempty"`
	State        State           `json:"state"`
	Level        float64         `json:"level"`
	LastHeard    string          `json:"last_heard,omitempty"`
	LastSpoken   string          `json:"last_spoken,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Actions      json.RawMessage `json:"actions,omitempty"`
}

// RenderSink receives snapshots. Render is called synchronously and in
// order, so it must not block or call back into the orchestrator.
type RenderSink interface {
	Render(Snapshot)
}

// SinkFunc adapts a function to RenderSink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Render(s Snapshot) { f(s) }

// MultiSink fans a snapshot out to several sinks.
type MultiSink []RenderSink

func (m MultiSink) Render(s Snapshot) {
	for _, sink := range m {
		if sink != nil {
			sink.Render(s)
		}
	}
}

// LogSink logs state transitions at debug level and ignores meter updates.
type LogSink struct {
	logger zerolog.Logger
	last   State
	seen   bool
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Render(s Snapshot) {
	if l.seen && s.State == l.last {
		return
	}
	l.seen = true
	l.last = s.State
	ev := l.logger.Debug().Str("turn_id", s.TurnID).Stringer("state", s.State)
	if s.ErrorMessage != "" {
		ev = ev.Str("error", s.ErrorMessage)
	}
	ev.Msg("turn state")
}
