package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/voiceloop/internal/settings"
	"github.com/lukasbauer/voiceloop/internal/turn"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

// ErrNotRunning is returned when no assistant answers on HTTP_ADDR.
var ErrNotRunning = errors.New("assistant is not running")

// StatusClient talks to the status server of a running assistant.
type StatusClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewStatusClient(addr string, httpClient *http.Client) *StatusClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &StatusClient{baseURL: strings.TrimRight(base, "/"), httpClient: httpClient}
}

func (c *StatusClient) WakeStatus(ctx context.Context) (wake.Status, error) {
	var st wake.Status
	err := c.do(ctx, http.MethodGet, "/wake", nil, &st)
	return st, err
}

// SetWake enables or disables the wake word. It returns
// wake.ErrPermissionMissing when the assistant refuses to enable it.
func (c *StatusClient) SetWake(ctx context.Context, enabled bool) (wake.Status, error) {
	var st wake.Status
	err := c.do(ctx, http.MethodPost, "/wake", map[string]bool{"enabled": enabled}, &st)
	return st, err
}

func (c *StatusClient) History(ctx context.Context, limit int) ([]turn.Message, error) {
	var resp struct {
		Messages []turn.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &resp)
	return resp.Messages, err
}

func (c *StatusClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusConflict && path == "/wake":
		return wake.ErrPermissionMissing
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrNotRunning, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 400:
		return fmt.Errorf("status API error: %s - %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return json.Unmarshal(respBody, out)
}

// StatusClient returns a client for the assistant on HTTP_ADDR.
func (a *App) StatusClient() *StatusClient {
	return NewStatusClient(a.cfg.HTTPAddr, nil)
}

// SetWakeWord toggles the wake word on the running assistant. When none is
// running only the persisted flag changes and the next listen restores it.
func (a *App) SetWakeWord(ctx context.Context, enabled bool) (wake.Status, error) {
	st, err := a.StatusClient().SetWake(ctx, enabled)
	if !errors.Is(err, ErrNotRunning) {
		return st, err
	}
	if err := settings.SetBool(ctx, a.settings, settings.KeyWakeWordEnabled, enabled); err != nil {
		return wake.Status{}, err
	}
	return storedWakeStatus(ctx, a.settings)
}

// WakeStatus reports the running listener or, failing that, the persisted
// state.
func (a *App) WakeStatus(ctx context.Context) (wake.Status, error) {
	st, err := a.StatusClient().WakeStatus(ctx)
	if !errors.Is(err, ErrNotRunning) {
		return st, err
	}
	return storedWakeStatus(ctx, a.settings)
}

// History lists the conversation from the database or the running
// assistant.
func (a *App) History(ctx context.Context, limit int) ([]turn.Message, error) {
	msgs, err := a.RecentMessages(ctx, limit)
	if !errors.Is(err, ErrNoDatabase) {
		return msgs, err
	}
	return a.StatusClient().History(ctx, limit)
}

func storedWakeStatus(ctx context.Context, s settings.Store) (wake.Status, error) {
	var st wake.Status
	var err error
	if st.Enabled, err = settings.GetBool(ctx, s, settings.KeyWakeWordEnabled); err != nil {
		return st, err
	}
	if st.MicGranted, err = settings.GetBool(ctx, s, settings.KeyMicGranted); err != nil {
		return st, err
	}
	if st.OverlayGranted, err = settings.GetBool(ctx, s, settings.KeyOverlayGranted); err != nil {
		return st, err
	}
	if v, err := s.Get(ctx, settings.KeyLastWakeTriggered); err == nil {
		st.LastTrigger, _ = time.Parse(time.RFC3339, v)
	}
	return st, nil
}
