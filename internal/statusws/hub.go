// Package statusws serves the assistant status over HTTP and websocket. The
// hub doubles as the render sink and the overlay presentation surface.
package statusws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceloop/internal/overlay"
	"github.com/lukasbauer/voiceloop/internal/turn"
)

// ErrNoClients is returned by Acquire when no client could show the overlay.
var ErrNoClients = errors.New("no status clients connected")

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controls receives client commands. Methods must not block.
type Controls interface {
	Toggle()
	StopSpeaking()
}

type stateMessage struct {
	Type string `json:"type"`
	turn.Snapshot
}

type overlayMessage struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

type connectivityMessage struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

type clientMessage struct {
	Type string `json:"type"` // toggle, dismiss, stop_speaking
}

// Hub fans status out to websocket clients.
type Hub struct {
	logger zerolog.Logger

	mu           sync.Mutex
	clients      map[*client]struct{}
	controls     Controls
	current      *presentation
	lastState    []byte
	connectivity *bool
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

// SetControls sets the command receiver.
func (h *Hub) SetControls(c Controls) {
	h.mu.Lock()
	h.controls = c
	h.mu.Unlock()
}

// Render broadcasts a snapshot. It never blocks; slow clients miss frames.
func (h *Hub) Render(s turn.Snapshot) {
	msg, err := json.Marshal(stateMessage{Type: "state", Snapshot: s})
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal state")
		return
	}
	h.mu.Lock()
	h.lastState = msg
	h.mu.Unlock()
	h.broadcast(msg)
}

// SetConnectivity broadcasts the backend connectivity status.
func (h *Hub) SetConnectivity(ok bool) {
	h.mu.Lock()
	h.connectivity = &ok
	h.mu.Unlock()
	h.broadcastJSON(connectivityMessage{Type: "connectivity", OK: ok})
}

// Available reports whether any client is connected.
func (h *Hub) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Acquire shows the overlay on connected clients.
func (h *Hub) Acquire(ctx context.Context) (overlay.Presentation, error) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return nil, ErrNoClients
	}
	p := &presentation{hub: h, dismissed: make(chan struct{})}
	h.current = p
	h.mu.Unlock()

	h.broadcastJSON(overlayMessage{Type: "overlay", Visible: true})
	return p, nil
}

// presentation is the overlay shown on status clients.
type presentation struct {
	hub         *Hub
	dismissed   chan struct{}
	dismissOnce sync.Once
	releaseOnce sync.Once
}

func (p *presentation) Dismissed() <-chan struct{} { return p.dismissed }

func (p *presentation) dismiss() {
	p.dismissOnce.Do(func() { close(p.dismissed) })
}

func (p *presentation) Release() error {
	p.releaseOnce.Do(func() {
		h := p.hub
		h.mu.Lock()
		if h.current == p {
			h.current = nil
		}
		h.mu.Unlock()
		h.broadcastJSON(overlayMessage{Type: "overlay", Visible: false})
	})
	return nil
}

func (h *Hub) broadcastJSON(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal status message")
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(msg)
	}
}

// ServeWS upgrades the request and streams status to the client until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.lastState != nil {
		c.enqueue(h.lastState)
	}
	if h.connectivity != nil {
		msg, _ := json.Marshal(connectivityMessage{Type: "connectivity", OK: *h.connectivity})
		c.enqueue(msg)
	}
	if h.current != nil {
		msg, _ := json.Marshal(overlayMessage{Type: "overlay", Visible: true})
		c.enqueue(msg)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", n).Msg("status client connected")

	go c.writeLoop()
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	n = len(h.clients)
	h.mu.Unlock()
	c.close()
	h.logger.Info().Int("clients", n).Msg("status client disconnected")
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("status client read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug().Err(err).Msg("failed to parse client message")
			continue
		}
		h.handle(msg)
	}
}

func (h *Hub) handle(msg clientMessage) {
	h.mu.Lock()
	controls, current := h.controls, h.current
	h.mu.Unlock()

	switch msg.Type {
	case "toggle":
		if controls != nil {
			controls.Toggle()
		}
	case "stop_speaking":
		if controls != nil {
			controls.StopSpeaking()
		}
	case "dismiss":
		if current != nil {
			current.dismiss()
		}
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("unknown client message")
	}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue drops the message when the client is too slow.
func (c *client) enqueue(msg []byte) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
