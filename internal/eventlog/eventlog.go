package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of turn event
type EventType string

const (
	EventTurnStarted      EventType = "turn_started"
	EventCaptureEnded     EventType = "capture_ended"
	EventTranscribed      EventType = "transcribed"
	EventResponded        EventType = "responded"
	EventSynthesisFailed  EventType = "synthesis_failed"
	EventPlaybackFailed   EventType = "playback_failed"
	EventPlaybackStopped  EventType = "playback_stopped"
	EventTurnFailed       EventType = "turn_failed"
	EventTurnCompleted    EventType = "turn_completed"
	EventWakeDetected     EventType = "wake_detected"
	EventOverlayDismissed EventType = "overlay_dismissed"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, turnID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || turnID == "" {
		return nil // Silently skip if no DB or turn ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO turn_events (turn_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, turnID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(turnID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || turnID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, turnID, eventType, data)
	}()
}

// Event is one stored turn event.
type Event struct {
	TurnID    string
	Type      EventType
	Data      map[string]any
	CreatedAt time.Time
}

// ListTurn returns the events of one turn in insertion order.
func (l *Logger) ListTurn(ctx context.Context, turnID string) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}

	rows, err := l.db.Query(ctx, `
		SELECT turn_id, event_type, event_data, created_at
		FROM turn_events
		WHERE turn_id = $1
		ORDER BY id
	`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		var data []byte
		if err := rows.Scan(&e.TurnID, &eventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &e.Data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
