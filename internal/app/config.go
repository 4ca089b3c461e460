package app

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string
	LogFormat   string

	// Error reporting
	SentryDSN         string
	SentryEnvironment string

	// Remote backend
	BackendURL       string
	BackendJWTSecret string
	DeviceID         string // empty to generate and persist one
	RemoteTimeout    time.Duration

	// Providers: backend|deepgram|google|whisper, backend|openai, backend|elevenlabs|openai
	STTProvider string
	LLMProvider string
	TTSProvider string

	// Provider credentials and tuning
	DeepgramAPIKey        string
	DeepgramModel         string
	GoogleCredentialsFile string
	STTLanguage           string // BCP-47, e.g. en-US
	OpenAIAPIKey          string
	OpenAIModel           string
	WhisperModel          string
	OpenAITTSVoice        string
	ElevenLabsAPIKey      string
	TTSVoiceID            string // ElevenLabs voice ID
	TTSModelID            string
	TTSStability          float64 // ElevenLabs voice stability (0.0-1.0)
	TTSSimilarity         float64 // ElevenLabs voice similarity boost (0.0-1.0)

	// Foreground capture
	CaptureMax     time.Duration
	CaptureSilence time.Duration
	CaptureMin     time.Duration
	VADThreshold   float64

	// Overlay sessions
	OverlayCaptureMax  time.Duration
	OverlayCaptureMin  time.Duration
	OverlayAutoHide    time.Duration
	OverlayMaxLifetime time.Duration
	OverlayEnabled     bool // overlay permission

	// Wake word
	WakeDetector string // kws|transcript|vad
	WakeDebounce time.Duration
	WakePhrases  []string
	KWSEncoder   string
	KWSDecoder   string
	KWSJoiner    string
	KWSTokens    string
	KWSKeywords  string
	KWSThreshold float64

	// Persistence and events
	SettingsPath    string
	HistoryLimit    int
	KafkaBrokers    []string
	KafkaTopicTurns string
	KafkaTopicWake  string

	HealthInterval time.Duration
	DiscordWebhook string // backend outage alerts; empty disables
}

// LoadEnvFile loads variables from path without overriding the real
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", "127.0.0.1:8787"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "console"),

		SentryDSN:         getenv("SENTRY_DSN", ""),
		SentryEnvironment: getenv("SENTRY_ENVIRONMENT", "development"),

		BackendURL:       getenv("BACKEND_URL", "http://localhost:8000"),
		BackendJWTSecret: os.Getenv("BACKEND_JWT_SECRET"),
		DeviceID:         getenv("DEVICE_ID", ""),
		RemoteTimeout:    getenvDuration("REMOTE_TIMEOUT", 30*time.Second),

		STTProvider: strings.ToLower(getenv("STT_PROVIDER", "backend")),
		LLMProvider: strings.ToLower(getenv("LLM_PROVIDER", "backend")),
		TTSProvider: strings.ToLower(getenv("TTS_PROVIDER", "backend")),

		DeepgramAPIKey:        getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:         getenv("DEEPGRAM_MODEL", "nova-3"),
		GoogleCredentialsFile: getenv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		STTLanguage:           getenv("STT_LANGUAGE", "en-US"),
		OpenAIAPIKey:          getenv("OPENAI_API_KEY", ""),
		OpenAIModel:           getenv("OPENAI_MODEL", "gpt-4o-mini"),
		WhisperModel:          getenv("WHISPER_MODEL", "whisper-1"),
		OpenAITTSVoice:        getenv("OPENAI_TTS_VOICE", "nova"),
		ElevenLabsAPIKey:      getenv("ELEVENLABS_API_KEY", ""),
		TTSVoiceID:            getenv("TTS_VOICE_ID", ""),
		TTSModelID:            getenv("TTS_MODEL_ID", "eleven_flash_v2_5"),
		TTSStability:          getenvFloatClamped("TTS_STABILITY", 0.5, 0.0, 1.0),
		TTSSimilarity:         getenvFloatClamped("TTS_SIMILARITY", 0.75, 0.0, 1.0),

		CaptureMax:     time.Duration(getenvIntClamped("CAPTURE_MAX_MS", 30000, 1000, 120000)) * time.Millisecond,
		CaptureSilence: time.Duration(getenvIntClamped("CAPTURE_SILENCE_MS", 1500, 200, 10000)) * time.Millisecond,
		CaptureMin:     time.Duration(getenvIntClamped("CAPTURE_MIN_MS", 0, 0, 30000)) * time.Millisecond,
		VADThreshold:   getenvFloatClamped("VAD_THRESHOLD", 0.03, 0.001, 1.0),

		OverlayCaptureMax:  time.Duration(getenvIntClamped("OVERLAY_CAPTURE_MAX_MS", 10000, 1000, 60000)) * time.Millisecond,
		OverlayCaptureMin:  time.Duration(getenvIntClamped("OVERLAY_CAPTURE_MIN_MS", 2000, 0, 30000)) * time.Millisecond,
		OverlayAutoHide:    time.Duration(getenvIntClamped("OVERLAY_AUTO_HIDE_MS", 1500, 0, 30000)) * time.Millisecond,
		OverlayMaxLifetime: getenvDuration("OVERLAY_MAX_LIFETIME", 90*time.Second),
		OverlayEnabled:     getenvBool("OVERLAY_ENABLED", true),

		WakeDetector: strings.ToLower(getenv("WAKE_DETECTOR", "transcript")),
		WakeDebounce: getenvDuration("WAKE_DEBOUNCE", 2*time.Second),
		WakePhrases:  parseList(os.Getenv("WAKE_PHRASES")),
		KWSEncoder:   getenv("KWS_ENCODER", ""),
		KWSDecoder:   getenv("KWS_DECODER", ""),
		KWSJoiner:    getenv("KWS_JOINER", ""),
		KWSTokens:    getenv("KWS_TOKENS", ""),
		KWSKeywords:  getenv("KWS_KEYWORDS_FILE", ""),
		KWSThreshold: getenvFloatClamped("KWS_THRESHOLD", 0.25, 0.0, 1.0),

		SettingsPath:    getenv("SETTINGS_PATH", defaultSettingsPath()),
		HistoryLimit:    getenvIntClamped("HISTORY_LIMIT", 200, 0, 10000),
		KafkaBrokers:    parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicTurns: getenv("KAFKA_TOPIC_TURNS", "voiceloop.turns"),
		KafkaTopicWake:  getenv("KAFKA_TOPIC_WAKE", ""),

		HealthInterval: getenvDuration("HEALTH_INTERVAL", 30*time.Second),
		DiscordWebhook: os.Getenv("DISCORD_WEBHOOK_URL"),
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voiceloop-settings.json"
	}
	return filepath.Join(dir, "voiceloop", "settings.json")
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}
