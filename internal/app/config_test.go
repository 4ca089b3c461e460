package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	t.Setenv("VOICELOOP_TEST_PROVIDER", "deepgram")

	tests := []struct {
		key, def, want string
	}{
		{"VOICELOOP_TEST_PROVIDER", "backend", "deepgram"},
		{"VOICELOOP_TEST_UNSET", "backend", "backend"},
		{"VOICELOOP_TEST_UNSET", "", ""},
	}
	for _, tt := range tests {
		if got := getenv(tt.key, tt.def); got != tt.want {
			t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.want)
		}
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"within range", "5000", 5000},
		{"below min", "10", 1000},
		{"above max", "600000", 120000},
		{"exactly min", "1000", 1000},
		{"exactly max", "120000", 120000},
		{"unset", "", 30000},
		{"not a number", "soon", 30000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CAPTURE_MAX_MS", tt.value)
			if got := getenvIntClamped("CAPTURE_MAX_MS", 30000, 1000, 120000); got != tt.want {
				t.Errorf("getenvIntClamped(CAPTURE_MAX_MS=%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  float64
	}{
		{"within range", "0.05", 0.05},
		{"below min", "-0.2", 0},
		{"above max", "1.5", 1},
		{"unset", "", 0.03},
		{"not a number", "loud", 0.03},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VAD_THRESHOLD", tt.value)
			if got := getenvFloatClamped("VAD_THRESHOLD", 0.03, 0, 1); got != tt.want {
				t.Errorf("getenvFloatClamped(VAD_THRESHOLD=%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}


func TestParseList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "localhost:9092", []string{"localhost:9092"}},
		{"multiple with spaces", "a:9092, b:9092 ,c:9092", []string{"a:9092", "b:9092", "c:9092"}},
		{"skips empty items", "hey friday,, friday,", []string{"hey friday", "friday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseList(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"not set", "", 2 * time.Second},
		{"valid", "750ms", 750 * time.Millisecond},
		{"invalid", "soon", 2 * time.Second},
		{"negative", "-1s", 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.envValue)
			if got := getenvDuration("TEST_DURATION", 2*time.Second); got != tt.want {
				t.Errorf("getenvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if getenvBool("TEST_BOOL", true) {
		t.Error("getenvBool(false) = true")
	}
	t.Setenv("TEST_BOOL", "maybe")
	if !getenvBool("TEST_BOOL", true) {
		t.Error("getenvBool(invalid) should fall back to the default")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	// Clear any existing env vars that might interfere
	keysToClean := []string{
		"HTTP_ADDR", "DATABASE_URL", "LOG_LEVEL", "STT_PROVIDER", "LLM_PROVIDER",
		"TTS_PROVIDER", "CAPTURE_MAX_MS", "CAPTURE_SILENCE_MS", "CAPTURE_MIN_MS",
		"VAD_THRESHOLD", "OVERLAY_CAPTURE_MAX_MS", "OVERLAY_CAPTURE_MIN_MS",
		"OVERLAY_AUTO_HIDE_MS", "REMOTE_TIMEOUT", "WAKE_DEBOUNCE", "KAFKA_BROKERS",
		"TTS_STABILITY", "TTS_SIMILARITY",
	}
	for _, key := range keysToClean {
		t.Setenv(key, "")
	}

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != "127.0.0.1:8787" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, "127.0.0.1:8787")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.STTProvider != "backend" || cfg.LLMProvider != "backend" || cfg.TTSProvider != "backend" {
		t.Errorf("providers = %q/%q/%q, want backend", cfg.STTProvider, cfg.LLMProvider, cfg.TTSProvider)
	}

	// Capture defaults
	if cfg.CaptureMax != 30*time.Second {
		t.Errorf("CaptureMax = %v, want 30s", cfg.CaptureMax)
	}
	if cfg.CaptureSilence != 1500*time.Millisecond {
		t.Errorf("CaptureSilence = %v, want 1.5s", cfg.CaptureSilence)
	}
	if cfg.CaptureMin != 0 {
		t.Errorf("CaptureMin = %v, want 0", cfg.CaptureMin)
	}
	if cfg.VADThreshold != 0.03 {
		t.Errorf("VADThreshold = %f, want %f", cfg.VADThreshold, 0.03)
	}

	// Overlay defaults
	if cfg.OverlayCaptureMax != 10*time.Second {
		t.Errorf("OverlayCaptureMax = %v, want 10s", cfg.OverlayCaptureMax)
	}
	if cfg.OverlayCaptureMin != 2*time.Second {
		t.Errorf("OverlayCaptureMin = %v, want 2s", cfg.OverlayCaptureMin)
	}
	if cfg.OverlayAutoHide != 1500*time.Millisecond {
		t.Errorf("OverlayAutoHide = %v, want 1.5s", cfg.OverlayAutoHide)
	}

	if cfg.RemoteTimeout != 30*time.Second {
		t.Errorf("RemoteTimeout = %v, want 30s", cfg.RemoteTimeout)
	}
	if cfg.WakeDebounce != 2*time.Second {
		t.Errorf("WakeDebounce = %v, want 2s", cfg.WakeDebounce)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("KafkaBrokers = %v, want nil", cfg.KafkaBrokers)
	}

	// TTS defaults
	if cfg.TTSStability != 0.5 {
		t.Errorf("TTSStability = %f, want %f", cfg.TTSStability, 0.5)
	}
	if cfg.TTSSimilarity != 0.75 {
		t.Errorf("TTSSimilarity = %f, want %f", cfg.TTSSimilarity, 0.75)
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "Deepgram")
	t.Setenv("CAPTURE_SILENCE_MS", "800")
	t.Setenv("CAPTURE_MAX_MS", "999999")
	t.Setenv("VAD_THRESHOLD", "0.05")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WAKE_PHRASES", "hey friday, friday")

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.STTProvider != "deepgram" {
		t.Errorf("STTProvider = %q, want %q", cfg.STTProvider, "deepgram")
	}
	if cfg.CaptureSilence != 800*time.Millisecond {
		t.Errorf("CaptureSilence = %v, want 800ms", cfg.CaptureSilence)
	}
	if cfg.CaptureMax != 120*time.Second {
		t.Errorf("CaptureMax = %v, want clamped to 120s", cfg.CaptureMax)
	}
	if cfg.VADThreshold != 0.05 {
		t.Errorf("VADThreshold = %f, want %f", cfg.VADThreshold, 0.05)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Errorf("KafkaBrokers length = %d, want 2", len(cfg.KafkaBrokers))
	}
	if len(cfg.WakePhrases) != 2 || cfg.WakePhrases[1] != "friday" {
		t.Errorf("WakePhrases = %v", cfg.WakePhrases)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VOICELOOP_TEST_FROM_FILE=file\nVOICELOOP_TEST_OVERRIDE=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOICELOOP_TEST_OVERRIDE", "env")
	t.Cleanup(func() { os.Unsetenv("VOICELOOP_TEST_FROM_FILE") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("VOICELOOP_TEST_FROM_FILE"); got != "file" {
		t.Errorf("VOICELOOP_TEST_FROM_FILE = %q, want %q", got, "file")
	}
	if got := os.Getenv("VOICELOOP_TEST_OVERRIDE"); got != "env" {
		t.Errorf("VOICELOOP_TEST_OVERRIDE = %q, want the real environment to win", got)
	}

	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnvFile(missing) error = %v, want nil", err)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("LoadEnvFile(\"\") error = %v, want nil", err)
	}
}
