// Package usage provides usage accounting and cost estimates for turns.
package usage

import (
	"os"
	"strconv"
)

// Pricing constants in millicents (1/1000 cent) per unit, since a single
// turn costs a fraction of a cent. Overridable via environment variables.
var (
	// STTMilliCentsPerMinute is the cost per minute of transcribed audio.
	// Default: $0.0077/min = 770 millicents/min
	STTMilliCentsPerMinute = getEnvFloat("COST_STT_MILLICENTS_PER_MIN", 770)

	// LLMMilliCentsPerThousandInputTokens is the cost per 1K input tokens.
	// Default: $0.15/1M = 15 millicents/1K
	LLMMilliCentsPerThousandInputTokens = getEnvFloat("COST_LLM_INPUT_MILLICENTS_PER_1K", 15)

	// LLMMilliCentsPerThousandOutputTokens is the cost per 1K output tokens.
	// Default: $0.60/1M = 60 millicents/1K
	LLMMilliCentsPerThousandOutputTokens = getEnvFloat("COST_LLM_OUTPUT_MILLICENTS_PER_1K", 60)

	// TTSMilliCentsPerThousandChars is the cost per 1K synthesized characters.
	// Default: $0.18/1K chars = 18000 millicents/1K
	TTSMilliCentsPerThousandChars = getEnvFloat("COST_TTS_MILLICENTS_PER_1K_CHARS", 18000)
)

// TurnMetrics contains the raw usage of one turn.
type TurnMetrics struct {
	AudioSeconds    float64 // utterance length sent to transcription
	LLMInputTokens  int
	LLMOutputTokens int
	TTSCharacters   int // characters sent to synthesis
}

// TurnCosts contains the calculated costs of one turn in millicents.
type TurnCosts struct {
	STTMilliCents   int
	LLMMilliCents   int
	TTSMilliCents   int
	TotalMilliCents int
}

// CalculateTurnCosts computes the costs of a turn from its usage.
func CalculateTurnCosts(m TurnMetrics) TurnCosts {
	sttCents := (m.AudioSeconds / 60.0) * STTMilliCentsPerMinute

	llmInputCents := (float64(m.LLMInputTokens) / 1000.0) * LLMMilliCentsPerThousandInputTokens
	llmOutputCents := (float64(m.LLMOutputTokens) / 1000.0) * LLMMilliCentsPerThousandOutputTokens

	ttsCents := (float64(m.TTSCharacters) / 1000.0) * TTSMilliCentsPerThousandChars

	costs := TurnCosts{
		STTMilliCents: roundToInt(sttCents),
		LLMMilliCents: roundToInt(llmInputCents + llmOutputCents),
		TTSMilliCents: roundToInt(ttsCents),
	}
	costs.TotalMilliCents = costs.STTMilliCents + costs.LLMMilliCents + costs.TTSMilliCents

	return costs
}

// EstimateTokens approximates the token count of English text at four
// characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
