// Package wake runs the background wake-word loop and its detectors.
package wake

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/capture"
	"github.com/lukasbauer/voiceloop/internal/stt"
)

// DefaultPhrases are matched by TranscriptDetector, longest first.
var DefaultPhrases = []string{
	"hey friday",
	"hey fridai",
	"hey fry day",
	"friday",
	"fridai",
	"fry day",
}

// Detection is one positive wake event.
type Detection struct {
	Phrase string    // matched phrase, empty for voice-only detection
	Source string    // detector name
	At     time.Time
}

// Detector blocks until it detects the wake word or ctx is done, in which
// case it returns ctx.Err().
type Detector interface {
	Detect(ctx context.Context) (Detection, error)
}

// Capturer records one utterance. *capture.Engine implements it.
type Capturer interface {
	Capture(ctx context.Context, p capture.Params) (*audio.Utterance, error)
}

// VADDetector treats any utterance as a wake event. It is the fallback when
// no keyword model is configured.
type VADDetector struct {
	capturer Capturer
	params   capture.Params
	now      func() time.Time
}

// NewVADDetector creates a VADDetector capturing with p.
func NewVADDetector(c Capturer, p capture.Params) *VADDetector {
	return &VADDetector{capturer: c, params: p, now: time.Now}
}

func (d *VADDetector) Detect(ctx context.Context) (Detection, error) {
	for {
		utt, err := d.capturer.Capture(ctx, d.params)
		if err != nil {
			return Detection{}, err
		}
		if err := ctx.Err(); err != nil {
			return Detection{}, err
		}
		if utt != nil {
			return Detection{Source: "vad", At: d.now()}, nil
		}
	}
}

// TranscriptDetector transcribes each utterance and matches wake phrases.
type TranscriptDetector struct {
	capturer Capturer
	stt      stt.Client
	params   capture.Params
	phrases  []string
	timeout  time.Duration
	now      func() time.Time
}

// NewTranscriptDetector creates a TranscriptDetector. Nil phrases selects
// DefaultPhrases.
func NewTranscriptDetector(c Capturer, client stt.Client, p capture.Params, phrases []string, timeout time.Duration) *TranscriptDetector {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TranscriptDetector{
		capturer: c,
		stt:      client,
		params:   p,
		phrases:  phrases,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (d *TranscriptDetector) Detect(ctx context.Context) (Detection, error) {
	for {
		utt, err := d.capturer.Capture(ctx, d.params)
		if err != nil {
			return Detection{}, err
		}
		if err := ctx.Err(); err != nil {
			return Detection{}, err
		}
		if utt == nil {
			continue
		}

		tctx, cancel := context.WithTimeout(ctx, d.timeout)
		tr, err := d.stt.Transcribe(tctx, utt.WAV())
		cancel()
		if err != nil {
			return Detection{}, fmt.Errorf("failed to transcribe wake candidate: %w", err)
		}
		if phrase, ok := MatchPhrase(tr.Text, d.phrases); ok {
			return Detection{Phrase: phrase, Source: "transcript", At: d.now()}, nil
		}
	}
}

// MatchPhrase reports the first phrase contained in text as whole words,
// ignoring case and punctuation.
func MatchPhrase(text string, phrases []string) (string, bool) {
	padded := " " + Normalize(text) + " "
	for _, p := range phrases {
		n := Normalize(p)
		if n == "" {
			continue
		}
		if strings.Contains(padded, " "+n+" ") {
			return p, true
		}
	}
	return "", false
}

// Normalize lowercases text, turns punctuation into spaces and collapses
// whitespace.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
