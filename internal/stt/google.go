package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"google.golang.org/api/option"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

// GoogleClient implements the Client interface using Google Cloud
// Speech-to-Text synchronous recognition.
type GoogleClient struct {
	client       *speech.Client
	languageCode string
}

// GoogleConfig holds configuration for the Google client. Without a
// credentials file the application default credentials are used.
type GoogleConfig struct {
	LanguageCode    string // e.g., "en-US"
	CredentialsFile string
}

// NewGoogleClient creates a new Google Speech client.
func NewGoogleClient(ctx context.Context, cfg GoogleConfig) (*GoogleClient, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	lang := cfg.LanguageCode
	if lang == "" {
		lang = "en-US"
	}
	return &GoogleClient{client: c, languageCode: lang}, nil
}

// Transcribe sends the utterance PCM in a single Recognize call.
func (c *GoogleClient) Transcribe(ctx context.Context, wav []byte) (*Transcript, error) {
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}

	resp, err := c.client.Recognize(ctx, recognizeRequest(f, pcm, c.languageCode))
	if err != nil {
		return nil, fmt.Errorf("failed to recognize: %w", err)
	}
	return transcriptFromResults(resp.GetResults()), nil
}

// Close releases the underlying gRPC connection.
func (c *GoogleClient) Close() error {
	return c.client.Close()
}

func recognizeRequest(f audio.Format, pcm []byte, lang string) *speechpb.RecognizeRequest {
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(f.SampleRate),
			AudioChannelCount:          int32(f.Channels),
			LanguageCode:               lang,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
}

func transcriptFromResults(results []*speechpb.SpeechRecognitionResult) *Transcript {
	var (
		parts      []string
		confidence float64
	)
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text := strings.TrimSpace(alts[0].GetTranscript()); text != "" {
			parts = append(parts, text)
			confidence += float64(alts[0].GetConfidence())
		}
	}
	t := &Transcript{Text: strings.Join(parts, " ")}
	if len(parts) > 0 {
		t.Confidence = confidence / float64(len(parts))
	}
	return t
}
