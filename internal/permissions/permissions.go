// Package permissions answers whether the microphone and the overlay
// surface may be used.
package permissions

import (
	"context"
	"sync"
	"time"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

// Checker reports the current permission status.
type Checker interface {
	MicrophoneGranted(ctx context.Context) bool
	OverlayGranted(ctx context.Context) bool
}

// Static is a Checker with fixed answers.
type Static struct {
	Microphone bool
	Overlay    bool
}

func (s Static) MicrophoneGranted(context.Context) bool { return s.Microphone }
func (s Static) OverlayGranted(context.Context) bool    { return s.Overlay }

// DefaultGrantTTL is how long a successful microphone open is trusted.
const DefaultGrantTTL = 30 * time.Second

// DeviceChecker tests the microphone by opening it. A granted answer is
// reused for TTL; a refusal is never cached. The overlay permission is
// configuration.
type DeviceChecker struct {
	mic     audio.Microphone
	held    func() bool
	overlay bool

	TTL time.Duration
	now func() time.Time

	mu        sync.Mutex
	grantedAt time.Time
}

// NewDeviceChecker creates a checker. held reports whether this process
// already holds the microphone, in which case it is not opened.
func NewDeviceChecker(mic audio.Microphone, held func() bool, overlay bool) *DeviceChecker {
	return &DeviceChecker{mic: mic, held: held, overlay: overlay, TTL: DefaultGrantTTL, now: time.Now}
}

func (c *DeviceChecker) MicrophoneGranted(ctx context.Context) bool {
	if c.held != nil && c.held() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.grantedAt.IsZero() && now.Sub(c.grantedAt) < c.TTL {
		return true
	}
	stream, err := c.mic.Open(ctx)
	if err != nil {
		c.grantedAt = time.Time{}
		return false
	}
	stream.Close()
	c.grantedAt = now
	return true
}

func (c *DeviceChecker) OverlayGranted(context.Context) bool {
	return c.overlay
}
