package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/voiceloop/internal/audio"
)

// fakeDeepgram accepts audio until CloseStream, then replies with scripted
// messages and closes normally.
type fakeDeepgram struct {
	replies []string

	mu         sync.Mutex
	audioBytes int
	query      string
	auth       string
}

func (f *fakeDeepgram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.query = r.URL.RawQuery
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			f.mu.Lock()
			f.audioBytes += len(msg)
			f.mu.Unlock()
			continue
		}
		if strings.Contains(string(msg), "CloseStream") {
			break
		}
	}
	for _, reply := range f.replies {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testWAV(samples int) []byte {
	return audio.EncodeWAV(make([]byte, samples*2), audio.CaptureFormat)
}

func TestDeepgramTranscribe_JoinsFinalSegments(t *testing.T) {
	fake := &fakeDeepgram{replies: []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`,
		`not json`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"there","confidence":0.7}]}}`,
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewDeepgramClient(DeepgramConfig{APIKey: "key", URL: wsURL(srv), Punctuate: true})
	got, err := c.Transcribe(context.Background(), testWAV(16000))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "hello there" {
		t.Errorf("Text = %q, want %q", got.Text, "hello there")
	}
	if got.Confidence < 0.79 || got.Confidence > 0.81 {
		t.Errorf("Confidence = %v, want 0.8", got.Confidence)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.audioBytes != 32000 {
		t.Errorf("server received %d audio bytes, want 32000", fake.audioBytes)
	}
	if fake.auth != "Token key" {
		t.Errorf("Authorization = %q, want %q", fake.auth, "Token key")
	}
	for _, want := range []string{"encoding=linear16", "sample_rate=16000", "model=nova-3", "punctuate=true"} {
		if !strings.Contains(fake.query, want) {
			t.Errorf("query %q missing %q", fake.query, want)
		}
	}
}

func TestDeepgramTranscribe_NoSpeech(t *testing.T) {
	srv := httptest.NewServer(&fakeDeepgram{})
	defer srv.Close()

	c := NewDeepgramClient(DeepgramConfig{URL: wsURL(srv)})
	got, err := c.Transcribe(context.Background(), testWAV(320))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "" {
		t.Errorf("Text = %q, want empty", got.Text)
	}
}

func TestDeepgramTranscribe_Errors(t *testing.T) {
	t.Run("malformed audio", func(t *testing.T) {
		c := NewDeepgramClient(DeepgramConfig{URL: "ws://127.0.0.1:1"})
		if _, err := c.Transcribe(context.Background(), []byte("nope")); !errors.Is(err, ErrMalformedAudio) {
			t.Errorf("Transcribe() error = %v, want ErrMalformedAudio", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		c := NewDeepgramClient(DeepgramConfig{URL: wsURL(srv)})
		if _, err := c.Transcribe(context.Background(), testWAV(320)); err == nil {
			t.Error("Transcribe() error = nil, want dial error")
		}
	})
}

func TestNewDeepgramClient_Defaults(t *testing.T) {
	c := NewDeepgramClient(DeepgramConfig{})
	if c.cfg.URL != deepgramWSURL {
		t.Errorf("URL = %q, want %q", c.cfg.URL, deepgramWSURL)
	}
	if c.cfg.Model != "nova-3" {
		t.Errorf("Model = %q, want %q", c.cfg.Model, "nova-3")
	}
	if c.cfg.Language != "en" {
		t.Errorf("Language = %q, want %q", c.cfg.Language, "en")
	}
	if c.cfg.ChunkMs != 100 {
		t.Errorf("ChunkMs = %d, want 100", c.cfg.ChunkMs)
	}
}
