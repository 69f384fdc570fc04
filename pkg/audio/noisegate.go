package audio

import "math"

// defaultGateThreshold is the RMS amplitude (against int16 full scale) below
// which a chunk is treated as background noise.
const defaultGateThreshold = 500.0

// NoiseGate attenuates chunks whose RMS energy falls below a threshold.
// It keeps a small amount of hysteresis so speech onsets are not clipped:
// the gate only closes after holdFrames consecutive sub-threshold chunks.
type NoiseGate struct {
	threshold  float64
	holdFrames int
	quietRun   int
}

// NewNoiseGate creates a gate with the given RMS threshold. A threshold of 0
// selects the default. holdFrames controls how many consecutive quiet chunks
// are required before attenuation kicks in.
func NewNoiseGate(threshold float64, holdFrames int) *NoiseGate {
	if threshold <= 0 {
		threshold = defaultGateThreshold
	}
	if holdFrames <= 0 {
		holdFrames = 3
	}
	return &NoiseGate{threshold: threshold, holdFrames: holdFrames}
}

// Apply runs the gate over one PCM chunk in place and reports whether the
// chunk carried speech energy. Attenuated chunks are zeroed rather than
// scaled: the upstream's server-side VAD behaves better on true silence than
// on low-level noise.
func (g *NoiseGate) Apply(pcm []byte) (speech bool) {
	rms := RMS(pcm)
	if rms >= g.threshold {
		g.quietRun = 0
		return true
	}

	g.quietRun++
	if g.quietRun >= g.holdFrames {
		for i := range pcm {
			pcm[i] = 0
		}
	}
	return false
}

// RMS computes the root-mean-square amplitude of little-endian int16 PCM.
// Returns 0 for empty or odd-length input.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}
