package audio

import (
	"math"
	"sync/atomic"
)

// Level is a concurrently readable amplitude in [0,1].
type Level struct {
	bits atomic.Uint64
}

// Set stores v clamped to [0,1].
func (l *Level) Set(v float64) {
	l.bits.Store(math.Float64bits(clamp01(v)))
}

// Load returns the current value.
func (l *Level) Load() float64 {
	return math.Float64frombits(l.bits.Load())
}

// Reset sets the level to 0.
func (l *Level) Reset() {
	l.bits.Store(0)
}

// MeanAbs returns the mean absolute sample magnitude normalized to full scale.
func MeanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return clamp01(float64(sum) / float64(len(samples)) / fullScale)
}

// RMS returns the root mean square of samples normalized to full scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return clamp01(math.Sqrt(sum/float64(len(samples))) / fullScale)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
