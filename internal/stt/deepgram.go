package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/rs/zerolog/log"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// DeepgramClient implements the Client interface by streaming the utterance
// over Deepgram's live websocket API and collecting the final results.
type DeepgramClient struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	APIKey    string
	URL       string // defaults to the public endpoint
	Language  string // e.g., "en"
	Model     string // e.g., "nova-3"
	Punctuate bool
	ChunkMs   int // audio sent per websocket message
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// NewDeepgramClient creates a new Deepgram STT client.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if cfg.URL == "" {
		cfg.URL = deepgramWSURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = 100
	}
	return &DeepgramClient{cfg: cfg, dialer: websocket.DefaultDialer}
}

// Transcribe streams the utterance PCM and joins the final segments.
func (c *DeepgramClient) Transcribe(ctx context.Context, wav []byte) (*Transcript, error) {
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}

	s, err := c.dial(ctx, f)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	chunk := f.BytesPerSecond() * c.cfg.ChunkMs / 1000
	for off := 0; off < len(pcm); off += chunk {
		if err := s.send(websocket.BinaryMessage, pcm[off:min(off+chunk, len(pcm))]); err != nil {
			return nil, fmt.Errorf("failed to stream audio: %w", err)
		}
	}
	if err := s.send(websocket.TextMessage, []byte(`{"type": "CloseStream"}`)); err != nil {
		return nil, fmt.Errorf("failed to close stream: %w", err)
	}

	var (
		parts      []string
		confidence float64
		finals     int
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-s.errors:
			return nil, err
		case r, ok := <-s.results:
			if !ok {
				select {
				case err := <-s.errors:
					return nil, err
				default:
				}
				t := &Transcript{Text: strings.Join(parts, " ")}
				if finals > 0 {
					t.Confidence = confidence / float64(finals)
				}
				return t, nil
			}
			if !r.IsFinal || r.Text == "" {
				continue
			}
			parts = append(parts, r.Text)
			confidence += r.Confidence
			finals++
		}
	}
}

type segment struct {
	Text       string
	Confidence float64
	IsFinal    bool
}

// deepgramStream is one websocket session. The read loop closes results when
// the server ends the stream.
type deepgramStream struct {
	conn      *websocket.Conn
	results   chan segment
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
}

func (c *DeepgramClient) dial(ctx context.Context, f audio.Format) (*deepgramStream, error) {
	q := url.Values{}
	q.Set("model", c.cfg.Model)
	q.Set("language", c.cfg.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprint(f.SampleRate))
	q.Set("channels", fmt.Sprint(f.Channels))
	q.Set("punctuate", fmt.Sprint(c.cfg.Punctuate))

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan segment, 100),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (s *deepgramStream) send(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("stream is closed")
	default:
	}
	return s.conn.WriteMessage(messageType, data)
}

// Close closes the connection and waits for the read loop.
func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *deepgramStream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			select {
			case <-s.done:
			case s.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Warn().Err(err).Str("component", "deepgram").Msg("failed to parse response")
			continue
		}
		if resp.Type != "Results" {
			continue
		}

		var seg segment
		if len(resp.Channel.Alternatives) > 0 {
			alt := resp.Channel.Alternatives[0]
			seg.Text = strings.TrimSpace(alt.Transcript)
			seg.Confidence = alt.Confidence
		}
		seg.IsFinal = resp.IsFinal

		select {
		case <-s.done:
			return
		case s.results <- seg:
		}
	}
}
