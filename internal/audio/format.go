// Package audio holds the PCM types shared by capture and playback: the
// sample format, the WAV container, amplitude math and device interfaces.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000
	// Channels is the capture channel count.
	Channels = 1
	// BitsPerSample is the capture bit depth.
	BitsPerSample = 16
	// FrameSamples is the number of samples in one capture frame (20 ms).
	FrameSamples = 320

	fullScale = 32767.0
)

// FramePeriod is the wall-clock length of one capture frame.
const FramePeriod = time.Second * FrameSamples / SampleRate

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// CaptureFormat is the format produced by the capture engine.
var CaptureFormat = Format{SampleRate: SampleRate, Channels: Channels, BitsPerSample: BitsPerSample}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// BlockAlign returns the size of one sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of PCM last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// SamplesToBytes encodes samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples decodes little-endian PCM. A trailing odd byte is dropped.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
