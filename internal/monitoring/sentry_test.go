package monitoring

import (
	"errors"
	"testing"
)

func TestInit_NoDSN(t *testing.T) {
	flush, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if flush == nil {
		t.Fatal("Init() returned nil flush")
	}
	flush()
}

func TestSentryReporter_NoClientDoesNotPanic(t *testing.T) {
	r := NewSentryReporter()
	r.Report(errors.New("boom"), map[string]string{"kind": "remote_unavailable"})
	r.Report(nil, nil)
	r.Recover(nil)

	var nilReporter *SentryReporter
	nilReporter.Report(errors.New("boom"), nil)
}

func TestNop(t *testing.T) {
	var r Reporter = Nop{}
	r.Report(errors.New("boom"), nil)
}
