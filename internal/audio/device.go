package audio

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrDeviceUnavailable is returned when a microphone or speaker cannot be
// acquired because it is busy, missing or access was denied.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Microphone opens capture streams in CaptureFormat.
type Microphone interface {
	Open(ctx context.Context) (InputStream, error)
}

// InputStream delivers frames of samples. Read blocks for at most one frame
// period and fills the whole buffer.
type InputStream interface {
	Read(frame []int16) error
	Close() error
}

// Speaker opens playback streams.
type Speaker interface {
	Open(ctx context.Context, f Format) (OutputStream, error)
}

// OutputStream accepts interleaved samples. Write blocks until the samples are
// queued on the device.
type OutputStream interface {
	Write(samples []int16) error
	Close() error
}

// Exclusive guards a singleton device. Acquire never blocks.
type Exclusive struct {
	held atomic.Bool
}

// Acquire takes the device, returning false if it is already held.
func (e *Exclusive) Acquire() bool {
	return e.held.CompareAndSwap(false, true)
}

// Release frees the device. Releasing a free device is a no-op.
func (e *Exclusive) Release() {
	e.held.Store(false)
}

// Held reports whether the device is currently held.
func (e *Exclusive) Held() bool {
	return e.held.Load()
}
