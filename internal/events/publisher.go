// Package events publishes conversation turns and wake detections to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lukasbauer/voiceloop/internal/metrics"
	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

// Publisher writes events to separate topics for turns and wake detections.
type Publisher struct {
	writerTurns *kafka.Writer
	writerWake  *kafka.Writer
	deviceID    string
	topicTurns  string
	topicWake   string
	enabled     bool
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers    []string
	TopicTurns string
	TopicWake  string
	DeviceID   string
}

// TurnEvent is the payload published for a completed turn.
type TurnEvent struct {
	DeviceID        string          `json:"device_id"`
	TurnID          string          `json:"turn_id"`
	Utterance       string          `json:"utterance"`
	Response        string          `json:"response"`
	Actions         json.RawMessage `json:"actions,omitempty"`
	AudioSeconds    float64         `json:"audio_seconds"`
	TotalMilliCents int             `json:"total_millicents"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WakeEvent is the payload published for an accepted wake detection.
type WakeEvent struct {
	DeviceID string    `json:"device_id"`
	Phrase   string    `json:"phrase,omitempty"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// New creates a publisher. Without brokers it runs in log-only mode.
func New(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		deviceID:   cfg.DeviceID,
		topicTurns: cfg.TopicTurns,
		topicWake:  cfg.TopicWake,
		logger:     logger,
		metrics:    m,
	}

	if len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerTurns = newWriter(cfg.Brokers, cfg.TopicTurns, transport)
	if cfg.TopicWake != "" {
		p.writerWake = newWriter(cfg.Brokers, cfg.TopicWake, transport)
	}
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_turns", cfg.TopicTurns).
		Str("topic_wake", cfg.TopicWake).
		Msg("Kafka publisher initialized")
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// RecordTurn publishes a completed conversation turn keyed by turn id.
func (p *Publisher) RecordTurn(ctx context.Context, t turn.ConversationTurn) error {
	event := TurnEvent{
		DeviceID:        p.deviceID,
		TurnID:          t.ID,
		Utterance:       t.UtteranceText,
		Response:        t.ResponseText,
		Actions:         t.Actions,
		AudioSeconds:    t.Usage.AudioSeconds,
		TotalMilliCents: t.Costs.TotalMilliCents,
		CreatedAt:       t.CreatedAt,
	}
	return p.publish(ctx, p.writerTurns, p.topicTurns, "turn", t.ID, event)
}

// PublishWake publishes an accepted wake detection keyed by device id.
func (p *Publisher) PublishWake(ctx context.Context, d wake.Detection) error {
	event := WakeEvent{
		DeviceID: p.deviceID,
		Phrase:   d.Phrase,
		Source:   d.Source,
		At:       d.At,
	}
	return p.publish(ctx, p.writerWake, p.topicWake, "wake", p.deviceID, event)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("topic", topic).
		Str("event_type", eventType).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled || writer == nil {
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "deviceId", Value: []byte(p.deviceID)},
		},
	}

	err = writer.WriteMessages(ctx, msg)
	p.metrics.RecordKafkaPublish(topic, err)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Str("key", key).Msg("failed to write to Kafka")
		return err
	}
	return nil
}

// Enabled reports whether events go to Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// Close closes the writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []*kafka.Writer{p.writerTurns, p.writerWake} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.logger.Error().Err(e).Str("topic", w.Topic).Msg("error closing Kafka writer")
			err = e
		}
	}
	return err
}
