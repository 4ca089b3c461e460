package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRemoteCall_CountsErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRemoteCall("transcribe", nil, 0.2)
	m.RecordRemoteCall("transcribe", errors.New("boom"), 0.3)
	m.RecordRemoteCall("respond", errors.New("boom"), 0.3)

	if got := testutil.ToFloat64(m.RemoteErrors.WithLabelValues("transcribe")); got != 1 {
		t.Errorf("transcribe errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RemoteErrors.WithLabelValues("respond")); got != 1 {
		t.Errorf("respond errors = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetBackendUp(true)
	if got := testutil.ToFloat64(m.BackendUp); got != 1 {
		t.Errorf("BackendUp = %v, want 1", got)
	}
	m.SetBackendUp(false)
	if got := testutil.ToFloat64(m.BackendUp); got != 0 {
		t.Errorf("BackendUp = %v, want 0", got)
	}

	m.SetListenerActive(true)
	if got := testutil.ToFloat64(m.ListenerActive); got != 1 {
		t.Errorf("ListenerActive = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurnStart()
	m.RecordTurnEnd("ok", 1)
	m.RecordCapture("silence", 1)
	m.RecordPlayback("ok")
	m.RecordRemoteCall("speak", nil, 1)
	m.RecordWakeDetection("triggered")
	m.SetListenerActive(true)
	m.RecordOverlaySession("created")
	m.RecordKafkaPublish("turns", nil)
	m.SetBackendUp(true)
}
