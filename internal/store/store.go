// Package store persists conversation history, turn costs and settings in
// Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/voiceloop/internal/settings"
	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/usage"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool and verifies the connection.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// nullableJSON returns nil for empty or JSON null payloads
func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// RecordTurn stores the user and assistant messages of a completed turn
// together with its costs.
func (s *Store) RecordTurn(ctx context.Context, t turn.ConversationTurn) error {
	var speaker []byte
	if t.Speaker != nil {
		b, err := json.Marshal(t.Speaker)
		if err != nil {
			return err
		}
		speaker = b
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The reply is stamped a microsecond later so ordering by time is stable.
	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_messages (turn_id, is_user, content, speaker, created_at)
		VALUES ($1, TRUE, $2, $3, $4)
	`, t.ID, t.UtteranceText, speaker, t.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_messages (turn_id, is_user, content, actions, created_at)
		VALUES ($1, FALSE, $2, $3, $4)
	`, t.ID, t.ResponseText, nullableJSON(t.Actions), t.CreatedAt.Add(time.Microsecond))
	if err != nil {
		return err
	}

	if err := recordTurnCosts(ctx, tx, t.ID, t.Usage, t.Costs); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func recordTurnCosts(ctx context.Context, tx pgx.Tx, turnID string, m usage.TurnMetrics, c usage.TurnCosts) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO turn_costs (
			turn_id, stt_millicents, llm_millicents, tts_millicents, total_millicents,
			audio_seconds, llm_input_tokens, llm_output_tokens, tts_characters
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turn_id) DO UPDATE SET
			stt_millicents = $2, llm_millicents = $3, tts_millicents = $4,
			total_millicents = $5, audio_seconds = $6, llm_input_tokens = $7,
			llm_output_tokens = $8, tts_characters = $9
	`, turnID, c.STTMilliCents, c.LLMMilliCents, c.TTSMilliCents, c.TotalMilliCents,
		m.AudioSeconds, m.LLMInputTokens, m.LLMOutputTokens, m.TTSCharacters)
	return err
}

// RecentMessages returns the last limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]turn.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT content, is_user, created_at FROM (
			SELECT id, content, is_user, created_at
			FROM conversation_messages
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) recent
		ORDER BY created_at, id
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []turn.Message
	for rows.Next() {
		var m turn.Message
		if err := rows.Scan(&m.Text, &m.IsUser, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// TurnCosts retrieves the stored costs of one turn.
func (s *Store) TurnCosts(ctx context.Context, turnID string) (*usage.TurnCosts, error) {
	var c usage.TurnCosts
	err := s.db.QueryRow(ctx, `
		SELECT stt_millicents, llm_millicents, tts_millicents, total_millicents
		FROM turn_costs WHERE turn_id = $1
	`, turnID).Scan(&c.STTMilliCents, &c.LLMMilliCents, &c.TTSMilliCents, &c.TotalMilliCents)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CostSummary is the aggregate usage of a period.
type CostSummary struct {
	Period          string  `json:"period"` // YYYY-MM format
	TurnCount       int     `json:"turn_count"`
	AudioSeconds    float64 `json:"audio_seconds"`
	TotalMilliCents int     `json:"total_millicents"`
}

// MonthlyCostSummary aggregates turn costs for a month given as YYYY-MM.
func (s *Store) MonthlyCostSummary(ctx context.Context, period string) (*CostSummary, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return nil, err
	}
	summary := &CostSummary{Period: period}
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(audio_seconds), 0), COALESCE(SUM(total_millicents), 0)
		FROM turn_costs
		WHERE created_at >= $1 AND created_at < $2
	`, start, start.AddDate(0, 1, 0)).Scan(&summary.TurnCount, &summary.AudioSeconds, &summary.TotalMilliCents)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Settings returns a settings.Store backed by the settings table.
func (s *Store) Settings() *SettingsStore {
	return &SettingsStore{db: s.db}
}

// SettingsStore implements settings.Store on Postgres.
type SettingsStore struct {
	db *pgxpool.Pool
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", settings.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}
