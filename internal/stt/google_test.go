package stt

import (
	"testing"

	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"github.com/lukasbauer/voiceloop/internal/audio"
)

func TestRecognizeRequest(t *testing.T) {
	req := recognizeRequest(audio.CaptureFormat, []byte{1, 2, 3, 4}, "en-GB")

	cfg := req.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("Encoding = %v, want LINEAR16", cfg.GetEncoding())
	}
	if cfg.GetSampleRateHertz() != 16000 {
		t.Errorf("SampleRateHertz = %d, want 16000", cfg.GetSampleRateHertz())
	}
	if cfg.GetLanguageCode() != "en-GB" {
		t.Errorf("LanguageCode = %q, want %q", cfg.GetLanguageCode(), "en-GB")
	}
	if got := len(req.GetAudio().GetContent()); got != 4 {
		t.Errorf("len(Content) = %d, want 4", got)
	}
}

func TestTranscriptFromResults(t *testing.T) {
	results := []*speechpb.SpeechRecognitionResult{
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " turn on ", Confidence: 0.8}}},
		{},
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "the lights", Confidence: 0.6}}},
	}

	got := transcriptFromResults(results)
	if got.Text != "turn on the lights" {
		t.Errorf("Text = %q, want %q", got.Text, "turn on the lights")
	}
	if got.Confidence < 0.69 || got.Confidence > 0.71 {
		t.Errorf("Confidence = %v, want 0.7", got.Confidence)
	}

	empty := transcriptFromResults(nil)
	if empty.Text != "" || empty.Confidence != 0 {
		t.Errorf("transcriptFromResults(nil) = %+v, want zero transcript", empty)
	}
}
