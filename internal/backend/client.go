// Package backend talks to the assistant backend that provides
// transcription, chat and speech over one authenticated HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lukasbauer/voiceloop/internal/llm"
	"github.com/lukasbauer/voiceloop/internal/stt"
)

// ErrUnhealthy is returned by Health when the backend answers but does not
// report "ok".
var ErrUnhealthy = errors.New("backend unhealthy")

// Config holds configuration for the backend client.
type Config struct {
	BaseURL    string
	JWTSecret  string
	DeviceID   string
	HTTPClient *http.Client
	Now        func() time.Time // token clock, for tests
}

// Client is the backend API client. It satisfies stt.Client, llm.Client
// and tts.Client.
type Client struct {
	baseURL    string
	tokens     *tokenSource
	httpClient *http.Client
}

// New creates a new backend client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:     newTokenSource(cfg.JWTSecret, cfg.DeviceID, cfg.Now),
		httpClient: httpClient,
	}
}

type transcribeRequest struct {
	Audio string `json:"audio"`
}

type transcribeResponse struct {
	Text    string `json:"text"`
	Speaker *struct {
		IsBoss       bool    `json:"is_boss"`
		Confidence   float64 `json:"confidence"`
		LastVerified string  `json:"last_verified"`
	} `json:"speaker"`
}

// Transcribe uploads a WAV utterance and returns the recognised text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (*stt.Transcript, error) {
	var resp transcribeResponse
	req := transcribeRequest{Audio: base64.StdEncoding.EncodeToString(wav)}
	if err := c.do(ctx, http.MethodPost, "/transcribe", req, &resp); err != nil {
		return nil, err
	}

	t := &stt.Transcript{Text: strings.TrimSpace(resp.Text)}
	if resp.Speaker != nil {
		t.Speaker = &stt.SpeakerHint{
			IsOwner:      resp.Speaker.IsBoss,
			Confidence:   resp.Speaker.Confidence,
			LastVerified: resp.Speaker.LastVerified,
		}
	}
	return t, nil
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response       string          `json:"response"`
	ToolResults    json.RawMessage `json:"tool_results,omitempty"`
	SpatialActions json.RawMessage `json:"spatial_actions,omitempty"`
	SpatialState   json.RawMessage `json:"spatial_state,omitempty"`
}

// Respond sends the user's text and returns the assistant reply. Auxiliary
// payloads are passed through untouched as one JSON object.
func (c *Client) Respond(ctx context.Context, text string) (*llm.Reply, error) {
	var resp chatResponse
	if err := c.do(ctx, http.MethodPost, "/chat", chatRequest{Message: text}, &resp); err != nil {
		return nil, err
	}

	reply := &llm.Reply{Text: resp.Response}
	if isPresent(resp.ToolResults) || isPresent(resp.SpatialActions) || isPresent(resp.SpatialState) {
		aux := map[string]json.RawMessage{}
		if isPresent(resp.ToolResults) {
			aux["tool_results"] = resp.ToolResults
		}
		if isPresent(resp.SpatialActions) {
			aux["spatial_actions"] = resp.SpatialActions
		}
		if isPresent(resp.SpatialState) {
			aux["spatial_state"] = resp.SpatialState
		}
		actions, err := json.Marshal(aux)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal actions: %w", err)
		}
		reply.Actions = actions
	}
	return reply, nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

type speakRequest struct {
	Text string `json:"text"`
}

type speakResponse struct {
	Audio string `json:"audio"`
}

// Synthesize returns the MP3 clip for text. An empty clip is not an error.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var resp speakResponse
	if err := c.do(ctx, http.MethodPost, "/speak", speakRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if resp.Audio == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	return audio, nil
}

// HealthStatus is the backend's self-reported health.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health checks backend reachability. It returns ErrUnhealthy when the
// backend answers with a status other than "ok".
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var resp HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return &resp, fmt.Errorf("%w: %s %s", ErrUnhealthy, resp.Status, resp.Message)
	}
	return &resp, nil
}

// EmotionState returns the assistant's current emotion state as reported
// by the backend.
func (c *Client) EmotionState(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodGet, "/emotion/state", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Voice is one selectable speech voice.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type voicesResponse struct {
	Voices  []Voice `json:"voices"`
	Current string  `json:"current"`
}

// Voices lists the available voices and the id of the current one.
func (c *Client) Voices(ctx context.Context) ([]Voice, string, error) {
	var resp voicesResponse
	if err := c.do(ctx, http.MethodGet, "/voices", nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Voices, resp.Current, nil
}

// SetVoice selects the voice used for speech.
func (c *Client) SetVoice(ctx context.Context, voiceID string) error {
	req := map[string]string{"voice_id": voiceID}
	return c.do(ctx, http.MethodPost, "/set_voice", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend API error: %s - %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
