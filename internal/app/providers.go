package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lukasbauer/voiceloop/internal/llm"
	"github.com/lukasbauer/voiceloop/internal/stt"
	"github.com/lukasbauer/voiceloop/internal/tts"
)

// languagePrefix turns "en-US" into "en".
func languagePrefix(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

// newSTT returns the configured transcription provider. The closer is nil
// when the provider holds no resources.
func (a *App) newSTT(ctx context.Context) (stt.Client, io.Closer, error) {
	cfg := a.cfg
	switch cfg.STTProvider {
	case "", "backend":
		return a.backend, nil, nil
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			return nil, nil, fmt.Errorf("STT_PROVIDER=deepgram requires DEEPGRAM_API_KEY")
		}
		return stt.NewDeepgramClient(stt.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			Language:  languagePrefix(cfg.STTLanguage),
			Model:     cfg.DeepgramModel,
			Punctuate: true,
		}), nil, nil
	case "google":
		c, err := stt.NewGoogleClient(ctx, stt.GoogleConfig{
			LanguageCode:    cfg.STTLanguage,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	case "whisper":
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("STT_PROVIDER=whisper requires OPENAI_API_KEY")
		}
		return stt.NewWhisperClient(stt.WhisperConfig{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.WhisperModel,
			Language: languagePrefix(cfg.STTLanguage),
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown STT_PROVIDER %q", cfg.STTProvider)
	}
}

func (a *App) newLLM() (llm.Client, error) {
	cfg := a.cfg
	switch cfg.LLMProvider {
	case "", "backend":
		return a.backend, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("LLM_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.OpenAIModel,
			HTTPClient: a.httpClient,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func (a *App) newTTS() (tts.Client, error) {
	cfg := a.cfg
	switch cfg.TTSProvider {
	case "", "backend":
		return a.backend, nil
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" || cfg.TTSVoiceID == "" {
			return nil, fmt.Errorf("TTS_PROVIDER=elevenlabs requires ELEVENLABS_API_KEY and TTS_VOICE_ID")
		}
		return tts.NewElevenLabsClient(tts.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			VoiceID:    cfg.TTSVoiceID,
			ModelID:    cfg.TTSModelID,
			Stability:  cfg.TTSStability,
			Similarity: cfg.TTSSimilarity,
			HTTPClient: a.httpClient,
		}), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("TTS_PROVIDER=openai requires OPENAI_API_KEY")
		}
		return tts.NewOpenAIClient(tts.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Voice:  cfg.OpenAITTSVoice,
		}), nil
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q", cfg.TTSProvider)
	}
}
