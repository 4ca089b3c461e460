package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header.
const WAVHeaderSize = 44

var ErrInvalidWAV = errors.New("invalid wav data")

// EndReason records why a capture stopped.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
	EndStopped     EndReason = "stopped"
	EndCancelled   EndReason = "cancelled"
)

// Utterance is one captured speech segment.
type Utterance struct {
	PCM       []byte
	Format    Format
	Duration  time.Duration
	EndReason EndReason
}

// WAV returns the utterance wrapped in a WAV container.
func (u *Utterance) WAV() []byte {
	return EncodeWAV(u.PCM, u.Format)
}

// EncodeWAV prepends a 44-byte PCM WAV header to pcm.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, WAVHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// IsWAV reports whether b starts with a RIFF/WAVE signature.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// ParseWAV walks the RIFF chunks of a 16-bit PCM WAV file and returns its
// format and sample payload.
func ParseWAV(b []byte) (Format, []byte, error) {
	if !IsWAV(b) {
		return Format{}, nil, ErrInvalidWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(b) {
			// Some encoders write a bogus data size; clamp to what we have.
			if id != "data" {
				return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrInvalidWAV, id)
			}
			size = len(b) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			if tag := binary.LittleEndian.Uint16(b[body:]); tag != 1 {
				return Format{}, nil, fmt.Errorf("%w: unsupported encoding %d", ErrInvalidWAV, tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4:]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14:]))
			if f.BitsPerSample != 16 || f.Channels < 1 || f.SampleRate <= 0 {
				return Format{}, nil, fmt.Errorf("%w: unsupported format %+v", ErrInvalidWAV, f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			return f, b[body : body+size], nil
		}

		pos = body + size
		if size%2 == 1 {
			pos++
		}
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
