package audio

import (
	"sync"
	"time"
)

const (
	// DesktopSampleRate is the capture rate of the desktop frontend.
	DesktopSampleRate = 48000

	// MobileSampleRate is the capture rate of the mobile frontend. Mobile
	// chunks arrive already at the upstream rate and skip resampling.
	MobileSampleRate = 16000

	// UpstreamSampleRate is the rate the realtime upstream expects.
	UpstreamSampleRate = 16000

	// DesktopFrameSamples is the per-chunk sample count of the desktop
	// capture path. Only chunks of exactly this size are routed through the
	// processor; anything else is passed through untouched.
	DesktopFrameSamples = 480

	// DesktopFrameBytes is DesktopFrameSamples as int16 bytes.
	DesktopFrameBytes = DesktopFrameSamples * 2

	// outputFrameBytes is the smallest unit the processor emits: 10 ms of
	// 16 kHz mono int16.
	outputFrameBytes = 160 * 2

	// defaultSilenceReset is how much continuous silence triggers an
	// internal buffer reset and a clear signal toward the upstream.
	defaultSilenceReset = 4 * time.Second
)

// Result is the outcome of processing one input chunk.
type Result struct {
	// PCM is the processed 16 kHz mono audio ready for the upstream. Nil
	// while the processor is accumulating fractional frames internally.
	PCM []byte

	// Clear is set on the first speech chunk after a silence-driven reset:
	// the caller must send an input_audio_buffer.clear frame before the next
	// append so the upstream drops any partial utterance it is holding.
	Clear bool
}

// Processor converts raw capture chunks into upstream-ready PCM. For 48 kHz
// input it applies the noise gate, downsamples to 16 kHz, and buffers
// fractional frames; 16 kHz input skips resampling. After defaultSilenceReset
// of continuous sub-threshold audio it discards its buffer and raises a
// pending clear signal.
//
// A Processor belongs to exactly one session. Its internal buffer is guarded
// by a mutex so the session's worker pool and close path never race.
type Processor struct {
	inputRate    int
	silenceReset time.Duration

	mu           sync.Mutex
	gate         *NoiseGate
	buf          []byte
	silentFor    time.Duration
	pendingClear bool
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithSilenceReset overrides the continuous-silence duration that triggers a
// buffer reset. Useful in tests.
func WithSilenceReset(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.silenceReset = d
		}
	}
}

// WithGate replaces the default noise gate.
func WithGate(g *NoiseGate) ProcessorOption {
	return func(p *Processor) { p.gate = g }
}

// NewProcessor creates a Processor for the given capture rate (48000 or
// 16000).
func NewProcessor(inputRate int, opts ...ProcessorOption) *Processor {
	p := &Processor{
		inputRate:    inputRate,
		silenceReset: defaultSilenceReset,
		gate:         NewNoiseGate(0, 0),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs one capture chunk through the pipeline and returns whatever
// whole output frames are available. The returned Result.PCM is nil when the
// chunk only topped up the internal fractional buffer.
func (p *Processor) Process(chunk []byte) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res Result
	speech := p.gate.Apply(chunk)

	// The clear signal survives further silent chunks; it is only consumed
	// by the speech chunk whose Result the caller will actually act on.
	if p.pendingClear && speech {
		res.Clear = true
		p.pendingClear = false
	}
	p.trackSilence(chunk, speech)

	pcm := chunk
	if p.inputRate != UpstreamSampleRate {
		pcm = ResampleMono16(pcm, p.inputRate, UpstreamSampleRate)
	}
	p.buf = append(p.buf, pcm...)

	if len(p.buf) < outputFrameBytes {
		return res
	}

	whole := (len(p.buf) / outputFrameBytes) * outputFrameBytes
	res.PCM = make([]byte, whole)
	copy(res.PCM, p.buf[:whole])
	p.buf = p.buf[:copy(p.buf, p.buf[whole:])]
	return res
}

// trackSilence accumulates silent wall-clock time and resets the buffer once
// the threshold is crossed. Must be called with p.mu held.
func (p *Processor) trackSilence(chunk []byte, speech bool) {
	if speech {
		p.silentFor = 0
		return
	}

	samples := len(chunk) / 2
	p.silentFor += time.Duration(samples) * time.Second / time.Duration(p.inputRate)
	if p.silentFor < p.silenceReset {
		return
	}

	p.buf = p.buf[:0]
	p.silentFor = 0
	p.pendingClear = true
}

// Reset discards buffered audio and silence accounting without raising a
// clear signal. Called when a session ends.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = p.buf[:0]
	p.silentFor = 0
	p.pendingClear = false
}
