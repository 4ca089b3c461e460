package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

type fakeMic struct {
	err    error
	opens  int
	closes int
}

func (m *fakeMic) Open(ctx context.Context) (audio.InputStream, error) {
	m.opens++
	if m.err != nil {
		return nil, m.err
	}
	return &fakeStream{mic: m}, nil
}

type fakeStream struct{ mic *fakeMic }

func (s *fakeStream) Read(buf []int16) error { return nil }
func (s *fakeStream) Close() error {
	s.mic.closes++
	return nil
}

func TestDeviceChecker(t *testing.T) {
	tests := []struct {
		name      string
		openErr   error
		held      bool
		want      bool
		wantOpens int
	}{
		{"microphone opens", nil, false, true, 1},
		{"microphone refused", audio.ErrDeviceUnavailable, false, false, 1},
		{"held by this process", audio.ErrDeviceUnavailable, true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic := &fakeMic{err: tt.openErr}
			c := NewDeviceChecker(mic, func() bool { return tt.held }, true)

			if got := c.MicrophoneGranted(context.Background()); got != tt.want {
				t.Errorf("MicrophoneGranted() = %v, want %v", got, tt.want)
			}
			if mic.opens != tt.wantOpens {
				t.Errorf("opens = %d, want %d", mic.opens, tt.wantOpens)
			}
			if tt.openErr == nil && mic.closes != 1 {
				t.Errorf("closes = %d, want the test stream closed", mic.closes)
			}
		})
	}
}

func TestDeviceChecker_CachesGrant(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		openErr   error
		elapsed   time.Duration
		want      bool
		wantOpens int
	}{
		{"granted within ttl", nil, 10 * time.Second, true, 1},
		{"granted after ttl", nil, DefaultGrantTTL, true, 2},
		{"refusal not cached", audio.ErrDeviceUnavailable, time.Second, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mic := &fakeMic{err: tt.openErr}
			c := NewDeviceChecker(mic, nil, true)
			c.now = func() time.Time { return now }

			c.MicrophoneGranted(context.Background())
			c.now = func() time.Time { return now.Add(tt.elapsed) }
			if got := c.MicrophoneGranted(context.Background()); got != tt.want {
				t.Errorf("MicrophoneGranted() = %v, want %v", got, tt.want)
			}
			if mic.opens != tt.wantOpens {
				t.Errorf("opens = %d, want %d", mic.opens, tt.wantOpens)
			}
		})
	}
}

func TestOverlayGranted(t *testing.T) {
	if !NewDeviceChecker(&fakeMic{}, nil, true).OverlayGranted(context.Background()) {
		t.Error("OverlayGranted() = false, want true")
	}
	if NewDeviceChecker(&fakeMic{}, nil, false).OverlayGranted(context.Background()) {
		t.Error("OverlayGranted() = true, want false")
	}
	if (Static{Microphone: true}).OverlayGranted(context.Background()) {
		t.Error("Static.OverlayGranted() = true, want false")
	}
}
