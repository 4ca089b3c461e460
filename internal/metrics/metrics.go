// Package metrics provides Prometheus metrics for the voice pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voiceloop"

// Metrics holds all Prometheus metrics for the process.
// All Record methods are safe to call on a nil receiver.
type Metrics struct {
	// Turn metrics
	TurnsStarted  prometheus.Counter
	TurnsFinished *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	TurnsRejected prometheus.Counter

	// Capture metrics
	CapturesEnded     *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram

	// Playback metrics
	PlaybacksTotal *prometheus.CounterVec

	// Remote call metrics
	RemoteLatency *prometheus.HistogramVec
	RemoteErrors  *prometheus.CounterVec

	// Wake metrics
	WakeDetections *prometheus.CounterVec
	ListenerActive prometheus.Gauge

	// Overlay metrics
	OverlaySessions *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal  *prometheus.CounterVec
	KafkaPublishErrors *prometheus.CounterVec

	// Connectivity
	BackendUp prometheus.Gauge
}

// DefaultMetrics is the process-wide metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_started_total",
			Help:      "Total number of interaction turns started",
		}),
		TurnsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_finished_total",
			Help:      "Total number of interaction turns finished, by outcome",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of interaction turns in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		TurnsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_rejected_total",
			Help:      "Start requests ignored because a turn was already active",
		}),
		CapturesEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Total number of captures, by end reason",
		}, []string{"reason"}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of captured utterances in seconds",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 20, 30},
		}),
		PlaybacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbacks_total",
			Help:      "Total number of playbacks, by outcome",
		}, []string{"outcome"}),
		RemoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_latency_seconds",
			Help:      "Latency of remote operations in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
		RemoteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_call_errors_total",
			Help:      "Total number of failed remote operations",
		}, []string{"operation"}),
		WakeDetections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_detections_total",
			Help:      "Wake detections, by result",
		}, []string{"result"}),
		ListenerActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_listener_active",
			Help:      "1 while the background listener loop is running",
		}),
		OverlaySessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_sessions_total",
			Help:      "Overlay session create requests, by result",
		}, []string{"result"}),
		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total Kafka publish attempts",
		}, []string{"topic"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total Kafka publish errors",
		}, []string{"topic"}),
		BackendUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 when the last backend health check succeeded",
		}),
	}
}

// RecordTurnStart records a turn starting.
func (m *Metrics) RecordTurnStart() {
	if m == nil {
		return
	}
	m.TurnsStarted.Inc()
}

// RecordTurnEnd records a turn ending with the given outcome.
func (m *Metrics) RecordTurnEnd(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnsFinished.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(durationSeconds)
}

// RecordTurnRejected records an ignored start request.
func (m *Metrics) RecordTurnRejected() {
	if m == nil {
		return
	}
	m.TurnsRejected.Inc()
}

// RecordCapture records a finished capture.
func (m *Metrics) RecordCapture(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CapturesEnded.WithLabelValues(reason).Inc()
	if durationSeconds > 0 {
		m.UtteranceDuration.Observe(durationSeconds)
	}
}

// RecordPlayback records a finished playback.
func (m *Metrics) RecordPlayback(outcome string) {
	if m == nil {
		return
	}
	m.PlaybacksTotal.WithLabelValues(outcome).Inc()
}

// RecordRemoteCall records the latency and result of a remote operation.
func (m *Metrics) RecordRemoteCall(operation string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	m.RemoteLatency.WithLabelValues(operation).Observe(latencySeconds)
	if err != nil {
		m.RemoteErrors.WithLabelValues(operation).Inc()
	}
}

// RecordWakeDetection records a wake detection and whether it triggered a session.
func (m *Metrics) RecordWakeDetection(result string) {
	if m == nil {
		return
	}
	m.WakeDetections.WithLabelValues(result).Inc()
}

// SetListenerActive updates the listener gauge.
func (m *Metrics) SetListenerActive(active bool) {
	if m == nil {
		return
	}
	m.ListenerActive.Set(boolToFloat(active))
}

// RecordOverlaySession records an overlay create request.
func (m *Metrics) RecordOverlaySession(result string) {
	if m == nil {
		return
	}
	m.OverlaySessions.WithLabelValues(result).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaPublishTotal.WithLabelValues(topic).Inc()
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic).Inc()
	}
}

// SetBackendUp updates the connectivity gauge.
func (m *Metrics) SetBackendUp(up bool) {
	if m == nil {
		return
	}
	m.BackendUp.Set(boolToFloat(up))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
