package wake

import (
	"context"
	"errors"
	"testing"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/capture"
	"github.com/lukasbauer/voiceloop/internal/stt"
)

// scriptedCapturer returns queued results, then blocks until ctx is done.
type scriptedCapturer struct {
	results []*audio.Utterance
	err     error
	calls   int
}

func (c *scriptedCapturer) Capture(ctx context.Context, p capture.Params) (*audio.Utterance, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.results) == 0 {
		<-ctx.Done()
		return nil, nil
	}
	u := c.results[0]
	c.results = c.results[1:]
	return u, nil
}

type queuedSTT struct {
	texts []string
	err   error
}

func (q *queuedSTT) Transcribe(ctx context.Context, wav []byte) (*stt.Transcript, error) {
	if q.err != nil {
		return nil, q.err
	}
	text := q.texts[0]
	q.texts = q.texts[1:]
	return &stt.Transcript{Text: text}, nil
}

func utterance() *audio.Utterance {
	return &audio.Utterance{PCM: make([]byte, 640), Format: audio.CaptureFormat}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hey, Friday!", "hey friday"},
		{"  HEY   fry-day ", "hey fry day"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchPhrase(t *testing.T) {
	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{"Hey Friday, what's the weather?", "hey friday", true},
		{"friday.", "friday", true},
		{"OK fry day turn on the lights", "fry day", true},
		{"Hey FRIDAI", "hey fridai", true},
		{"I love fridays", "", false},
		{"good morning", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := MatchPhrase(tt.text, DefaultPhrases)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MatchPhrase(%q) = %q, %v, want %q, %v", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestVADDetector(t *testing.T) {
	c := &scriptedCapturer{results: []*audio.Utterance{nil, nil, utterance()}}
	d := NewVADDetector(c, capture.Params{})

	got, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if got.Source != "vad" {
		t.Errorf("Source = %q, want vad", got.Source)
	}
	if c.calls != 3 {
		t.Errorf("captures = %d, want 3", c.calls)
	}
}

func TestVADDetector_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewVADDetector(&scriptedCapturer{}, capture.Params{})

	if _, err := d.Detect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Detect() error = %v, want context.Canceled", err)
	}
}

func TestVADDetector_DeviceError(t *testing.T) {
	d := NewVADDetector(&scriptedCapturer{err: audio.ErrDeviceUnavailable}, capture.Params{})
	if _, err := d.Detect(context.Background()); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Detect() error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestTranscriptDetector(t *testing.T) {
	c := &scriptedCapturer{results: []*audio.Utterance{utterance(), nil, utterance()}}
	q := &queuedSTT{texts: []string{"turn it up", "Hey Friday"}}
	d := NewTranscriptDetector(c, q, capture.Params{}, nil, 0)

	got, err := d.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if got.Phrase != "hey friday" || got.Source != "transcript" {
		t.Errorf("Detect() = %+v", got)
	}
	if len(q.texts) != 0 {
		t.Errorf("%d transcripts unused", len(q.texts))
	}
}

func TestTranscriptDetector_TranscribeError(t *testing.T) {
	c := &scriptedCapturer{results: []*audio.Utterance{utterance()}}
	cause := errors.New("offline")
	d := NewTranscriptDetector(c, &queuedSTT{err: cause}, capture.Params{}, []string{"computer"}, 0)

	if _, err := d.Detect(context.Background()); !errors.Is(err, cause) {
		t.Errorf("Detect() error = %v, want %v", err, cause)
	}
}
