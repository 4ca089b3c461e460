package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/turn"
)

type fakeControls struct {
	toggles atomic.Int32
	stops   atomic.Int32
}

func (f *fakeControls) Toggle()       { f.toggles.Add(1) }
func (f *fakeControls) StopSpeaking() { f.stops.Add(1) }

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(NewServer(ServerConfig{Hub: hub}, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	want := hub.Clients() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return hub.Clients() == want })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestHub_RenderBroadcastsState(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dial(t, hub, srv)

	hub.Render(turn.Snapshot{TurnID: "t1", State: turn.Listening, Level: 0.5})

	m := readMessage(t, conn)
	if m["type"] != "state" {
		t.Fatalf("type = %v, want state", m["type"])
	}
	if m["state"] != "listening" {
		t.Errorf("state = %v, want listening", m["state"])
	}
	if m["turn_id"] != "t1" {
		t.Errorf("turn_id = %v, want t1", m["turn_id"])
	}
}

func TestHub_NewClientReceivesLastState(t *testing.T) {
	hub, srv := newHubServer(t)
	hub.Render(turn.Snapshot{State: turn.Thinking, LastHeard: "hello"})
	hub.SetConnectivity(false)

	conn := dial(t, hub, srv)

	m := readMessage(t, conn)
	if m["type"] != "state" || m["state"] != "thinking" || m["last_heard"] != "hello" {
		t.Errorf("first message = %v", m)
	}
	m = readMessage(t, conn)
	if m["type"] != "connectivity" || m["ok"] != false {
		t.Errorf("second message = %v", m)
	}
}

func TestHub_RenderWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Render(turn.Snapshot{State: turn.Listening, Level: float64(i) / 1000})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Render blocked")
	}
}

func TestHub_AcquireWithoutClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	if _, err := hub.Acquire(context.Background()); !errors.Is(err, ErrNoClients) {
		t.Fatalf("Acquire() error = %v, want ErrNoClients", err)
	}
	if hub.Available() {
		t.Error("Available() = true with no clients")
	}
}

func TestHub_PresentationLifecycle(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dial(t, hub, srv)

	p, err := hub.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	m := readMessage(t, conn)
	if m["type"] != "overlay" || m["visible"] != true {
		t.Fatalf("message = %v, want overlay visible", m)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dismiss"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-p.Dismissed():
	case <-time.After(2 * time.Second):
		t.Fatal("presentation not dismissed")
	}

	if err := p.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	_ = p.Release()
	m = readMessage(t, conn)
	if m["type"] != "overlay" || m["visible"] != false {
		t.Fatalf("message = %v, want overlay hidden", m)
	}
}

func TestHub_ClientControls(t *testing.T) {
	hub, srv := newHubServer(t)
	controls := &fakeControls{}
	hub.SetControls(controls)
	conn := dial(t, hub, srv)

	for _, msg := range []string{`{"type":"toggle"}`, `not json`, `{"type":"unknown"}`, `{"type":"stop_speaking"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, func() bool { return controls.toggles.Load() == 1 && controls.stops.Load() == 1 })
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dial(t, hub, srv)
	conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 })
}
