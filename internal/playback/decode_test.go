package playback

import (
	"errors"
	"testing"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

func TestDecode_WAV(t *testing.T) {
	f := audio.Format{SampleRate: 22050, Channels: 1, BitsPerSample: 16}
	pcm, err := Decode(audio.EncodeWAV(audio.SamplesToBytes([]int16{1, 2, 3, 4}), f))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if pcm.Format != f {
		t.Errorf("Format = %+v, want %+v", pcm.Format, f)
	}
	if len(pcm.Samples) != 4 {
		t.Errorf("len(Samples) = %d, want 4", len(pcm.Samples))
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		clip []byte
	}{
		{"garbage", []byte("hello world")},
		{"empty wav", audio.EncodeWAV(nil, audio.CaptureFormat)},
		{"truncated mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.clip); err == nil {
				t.Errorf("Decode(%q) error = nil, want error", tt.name)
			}
		})
	}

	if _, err := Decode([]byte("hello world")); !errors.Is(err, ErrUnsupportedClip) {
		t.Errorf("Decode(garbage) error = %v, want ErrUnsupportedClip", err)
	}
}

func TestIsMP3(t *testing.T) {
	tests := []struct {
		in   []byte
		want bool
	}{
		{[]byte("ID3\x03"), true},
		{[]byte{0xFF, 0xFB, 0x90}, true},
		{[]byte{0xFF, 0x00}, false},
		{[]byte("RIFF"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isMP3(tt.in); got != tt.want {
			t.Errorf("isMP3(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
