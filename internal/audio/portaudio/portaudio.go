// Package portaudio implements the audio device interfaces on top of
// PortAudio's default input and output devices.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/lukasbauer/voiceloop/internal/audio"
)

// Init initializes PortAudio. Call Terminate when done.
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	return nil
}

// Terminate releases PortAudio.
func Terminate() error {
	return portaudio.Terminate()
}

// Microphone is the default input device. Only one stream may be open at a time.
type Microphone struct {
	guard audio.Exclusive
}

// NewMicrophone returns the default microphone.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// Held reports whether a stream is open.
func (m *Microphone) Held() bool {
	return m.guard.Held()
}

// Open starts a 16 kHz mono capture stream.
func (m *Microphone) Open(ctx context.Context) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.guard.Acquire() {
		return nil, fmt.Errorf("%w: microphone busy", audio.ErrDeviceUnavailable)
	}

	buf := make([]int16, audio.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(audio.Channels, 0, float64(audio.SampleRate), len(buf), &buf)
	if err != nil {
		m.guard.Release()
		return nil, fmt.Errorf("%w: open input: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		m.guard.Release()
		return nil, fmt.Errorf("%w: start input: %v", audio.ErrDeviceUnavailable, err)
	}
	return &inputStream{stream: stream, buf: buf, release: m.guard.Release}, nil
}

type inputStream struct {
	stream    *portaudio.Stream
	buf       []int16
	release   func()
	closeOnce sync.Once
}

func (s *inputStream) Read(frame []int16) error {
	for n := 0; n < len(frame); {
		if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("read input: %w", err)
		}
		n += copy(frame[n:], s.buf)
	}
	return nil
}

func (s *inputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stream.Stop()
		err = s.stream.Close()
		s.release()
	})
	return err
}

// Speaker is the default output device. Only one stream may be open at a time.
type Speaker struct {
	guard           audio.Exclusive
	framesPerBuffer int
}

// NewSpeaker returns the default speaker.
func NewSpeaker() *Speaker {
	return &Speaker{framesPerBuffer: 1024}
}

// Open starts an output stream in format f.
func (sp *Speaker) Open(ctx context.Context, f audio.Format) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !sp.guard.Acquire() {
		return nil, fmt.Errorf("%w: speaker busy", audio.ErrDeviceUnavailable)
	}

	buf := make([]int16, sp.framesPerBuffer*f.Channels)
	stream, err := portaudio.OpenDefaultStream(0, f.Channels, float64(f.SampleRate), sp.framesPerBuffer, &buf)
	if err != nil {
		sp.guard.Release()
		return nil, fmt.Errorf("%w: open output: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		sp.guard.Release()
		return nil, fmt.Errorf("%w: start output: %v", audio.ErrDeviceUnavailable, err)
	}
	return &outputStream{stream: stream, buf: buf, release: sp.guard.Release}, nil
}

type outputStream struct {
	stream    *portaudio.Stream
	buf       []int16
	release   func()
	closeOnce sync.Once
}

func (s *outputStream) Write(samples []int16) error {
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		samples = samples[n:]
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("write output: %w", err)
		}
	}
	return nil
}

func (s *outputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Stop drains at most one buffer.
		_ = s.stream.Stop()
		err = s.stream.Close()
		s.release()
	})
	return err
}
