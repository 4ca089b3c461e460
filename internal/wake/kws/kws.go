// Package kws detects the wake word with a sherpa-onnx keyword spotter.
package kws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/lukasbauer/voiceloop/internal/audio"
	"github.com/lukasbauer/voiceloop/internal/wake"
)

// Config points at a streaming transducer keyword-spotting model.
type Config struct {
	Encoder      string
	Decoder      string
	Joiner       string
	Tokens       string
	KeywordsFile string
	Threshold    float32 // keyword trigger threshold, 0 for default
	Score        float32 // keyword boosting score, 0 for default
	NumThreads   int
}

// Enabled reports whether a model is configured.
func (c Config) Enabled() bool {
	return c.Encoder != "" && c.Decoder != "" && c.Joiner != "" && c.Tokens != "" && c.KeywordsFile != ""
}

// Detector spots keywords in the live microphone stream.
type Detector struct {
	mic     audio.Microphone
	spotter *sherpa.KeywordSpotter
	now     func() time.Time
}

// New loads the model. Close releases it.
func New(mic audio.Microphone, cfg Config) (*Detector, error) {
	if !cfg.Enabled() {
		return nil, errors.New("keyword spotter model not configured")
	}
	threads := cfg.NumThreads
	if threads <= 0 {
		threads = 1
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 0.25
	}
	score := cfg.Score
	if score <= 0 {
		score = 1.0
	}

	c := sherpa.KeywordSpotterConfig{}
	c.FeatConfig.SampleRate = audio.SampleRate
	c.FeatConfig.FeatureDim = 80
	c.ModelConfig.Transducer.Encoder = cfg.Encoder
	c.ModelConfig.Transducer.Decoder = cfg.Decoder
	c.ModelConfig.Transducer.Joiner = cfg.Joiner
	c.ModelConfig.Tokens = cfg.Tokens
	c.ModelConfig.NumThreads = threads
	c.ModelConfig.Provider = "cpu"
	c.KeywordsFile = cfg.KeywordsFile
	c.KeywordsThreshold = threshold
	c.KeywordsScore = score
	c.MaxActivePaths = 4

	spotter := sherpa.NewKeywordSpotter(&c)
	if spotter == nil {
		return nil, fmt.Errorf("failed to load keyword spotter from %s", cfg.Encoder)
	}
	return &Detector{mic: mic, spotter: spotter, now: time.Now}, nil
}

// Close releases the model.
func (d *Detector) Close() {
	if d.spotter != nil {
		sherpa.DeleteKeywordSpotter(d.spotter)
		d.spotter = nil
	}
}

// Detect listens until a keyword is spotted or ctx is done. The microphone
// is held only while Detect runs.
func (d *Detector) Detect(ctx context.Context) (wake.Detection, error) {
	in, err := d.mic.Open(ctx)
	if err != nil {
		return wake.Detection{}, err
	}
	defer in.Close()

	stream := sherpa.NewKeywordStream(d.spotter)
	defer sherpa.DeleteOnlineStream(stream)

	frame := make([]int16, audio.FrameSamples)
	samples := make([]float32, audio.FrameSamples)
	for {
		if err := ctx.Err(); err != nil {
			return wake.Detection{}, err
		}
		if err := in.Read(frame); err != nil {
			return wake.Detection{}, fmt.Errorf("failed to read microphone: %w", err)
		}
		for i, s := range frame {
			samples[i] = float32(s) / 32768
		}
		stream.AcceptWaveform(audio.SampleRate, samples)

		for d.spotter.IsReady(stream) {
			d.spotter.Decode(stream)
			keyword := d.spotter.GetResult(stream).Keyword
			if keyword != "" {
				d.spotter.Reset(stream)
				return wake.Detection{
					Phrase: strings.ToLower(keyword),
					Source: "kws",
					At:     d.now(),
				}, nil
			}
		}
	}
}
