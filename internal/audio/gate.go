package audio

import "math"

// NoiseGate silences frames whose RMS level falls under a threshold. It is the
// in-process stand-in for the noise-suppression capture preference.
type NoiseGate struct {
	threshold float64
}

// NewNoiseGate creates a gate with a normalised RMS threshold in [0, 1).
func NewNoiseGate(threshold float64) *NoiseGate {
	return &NoiseGate{threshold: threshold}
}

// Apply zeroes samples in place when the frame is below the threshold and
// reports whether it did so.
func (g *NoiseGate) Apply(samples []int16) bool {
	if g.threshold <= 0 || len(samples) == 0 {
		return false
	}
	if RMS(samples) >= g.threshold {
		return false
	}
	clear(samples)
	return true
}

// RMS returns the normalised root-mean-square level of a PCM frame.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / int16Scale
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
