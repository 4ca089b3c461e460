// Package notifications posts operator alerts to a Discord webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	deviceID   string
	logger     zerolog.Logger
	client     *http.Client
	now        func() time.Time

	mu        sync.Mutex
	downSince time.Time
	wg        sync.WaitGroup
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL, deviceID string, logger zerolog.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		deviceID:   deviceID,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d.webhookURL != ""
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to the webhook in the background.
// Errors are logged but don't affect caller.
func (d *Discord) send(msg discordMessage) {
	if !d.Enabled() {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Error().Err(err).Msg("discord: failed to marshal message")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Error().Err(err).Msg("discord: failed to create request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn().Err(err).Msg("discord: failed to send webhook")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Warn().Int("status", resp.StatusCode).Msg("discord: webhook rejected message")
		}
	}()
}

// Wait blocks until queued messages are sent.
func (d *Discord) Wait() {
	d.wg.Wait()
}

// SetConnectivity alerts on backend connectivity changes.
func (d *Discord) SetConnectivity(ok bool) {
	d.mu.Lock()
	now := d.now()
	var outage time.Duration
	if ok {
		if !d.downSince.IsZero() {
			outage = now.Sub(d.downSince)
		}
		d.downSince = time.Time{}
	} else if d.downSince.IsZero() {
		d.downSince = now
	}
	d.mu.Unlock()

	if ok {
		d.NotifyBackendRestored(outage)
	} else {
		d.NotifyBackendDown()
	}
}

// NotifyBackendDown reports that the assistant lost its backend.
func (d *Discord) NotifyBackendDown() {
	d.send(discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Backend unreachable",
			Description: "The assistant cannot reach its backend. Turns will fail until it recovers.",
			Color:       0xFF0000,
			Fields:      []embedField{{Name: "Device", Value: fmt.Sprintf("`%s`", d.deviceID), Inline: true}},
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
}

// NotifyBackendRestored reports recovery. A zero outage means the first
// check succeeded.
func (d *Discord) NotifyBackendRestored(outage time.Duration) {
	fields := []embedField{{Name: "Device", Value: fmt.Sprintf("`%s`", d.deviceID), Inline: true}}
	if outage > 0 {
		fields = append(fields, embedField{Name: "Outage", Value: outage.Round(time.Second).String(), Inline: true})
	}
	d.send(discordMessage{
		Embeds: []discordEmbed{{
			Title:     "Backend reachable",
			Color:     0x00FF00,
			Fields:    fields,
			Timestamp: d.now().UTC().Format(time.RFC3339),
		}},
	})
}
