package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/lukasbauer/voiceloop/internal/audio"
)

var (
	ErrUnsupportedClip = errors.New("unsupported audio clip")
	ErrEmptyClip       = errors.New("clip decoded to no samples")
)

// PCM is a decoded clip.
type PCM struct {
	Samples []int16
	Format  audio.Format
}

// Duration returns the playing time of the clip.
func (p *PCM) Duration() float64 {
	if p.Format.SampleRate == 0 || p.Format.Channels == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.Format.SampleRate*p.Format.Channels)
}

// Decode converts a WAV or MP3 clip into 16-bit PCM.
func Decode(clip []byte) (*PCM, error) {
	var pcm *PCM
	switch {
	case audio.IsWAV(clip):
		f, data, err := audio.ParseWAV(clip)
		if err != nil {
			return nil, err
		}
		pcm = &PCM{Samples: audio.BytesToSamples(data), Format: f}
	case isMP3(clip):
		dec, err := mp3.NewDecoder(bytes.NewReader(clip))
		if err != nil {
			return nil, fmt.Errorf("failed to open mp3: %w", err)
		}
		data, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode mp3: %w", err)
		}
		// go-mp3 always produces 16-bit little-endian stereo.
		pcm = &PCM{
			Samples: audio.BytesToSamples(data),
			Format:  audio.Format{SampleRate: dec.SampleRate(), Channels: 2, BitsPerSample: 16},
		}
	default:
		return nil, ErrUnsupportedClip
	}

	if len(pcm.Samples) == 0 {
		return nil, ErrEmptyClip
	}
	return pcm, nil
}

func isMP3(b []byte) bool {
	if len(b) >= 3 && string(b[:3]) == "ID3" {
		return true
	}
	// MPEG audio frame sync: 11 set bits.
	return len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0
}
