package audio

import (
	"testing"
	"time"
)

// tone builds a mono int16 chunk of n samples alternating at a loud level so
// it always passes the noise gate.
func tone(n int) []byte {
	out := make([]byte, n*2)
	for i := range n {
		v := int16(8000)
		if i%2 == 1 {
			v = -8000
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// quiet builds a near-silent chunk of n samples.
func quiet(n int) []byte {
	return make([]byte, n*2)
}

func TestProcessor_DownsamplesDesktopFrames(t *testing.T) {
	p := NewProcessor(DesktopSampleRate)

	// One 480-sample chunk at 48 kHz becomes 160 samples at 16 kHz — exactly
	// one output frame.
	res := p.Process(tone(DesktopFrameSamples))
	if res.Clear {
		t.Fatal("unexpected clear signal on first chunk")
	}
	if got := len(res.PCM); got != outputFrameBytes {
		t.Fatalf("output = %d bytes, want %d", got, outputFrameBytes)
	}
}

func TestProcessor_MobilePassthroughRate(t *testing.T) {
	p := NewProcessor(MobileSampleRate)

	res := p.Process(tone(160))
	if got := len(res.PCM); got != 160*2 {
		t.Fatalf("output = %d bytes, want %d (16 kHz input must not be resampled)", got, 160*2)
	}
}

func TestProcessor_BuffersFractionalFrames(t *testing.T) {
	p := NewProcessor(DesktopSampleRate)

	// 96 samples at 48 kHz → 32 samples at 16 kHz, below one output frame.
	res := p.Process(tone(96))
	if res.PCM != nil {
		t.Fatalf("expected nil PCM while buffering, got %d bytes", len(res.PCM))
	}

	// Keep feeding until the buffer crosses one frame.
	var out []byte
	for range 10 {
		res = p.Process(tone(96))
		if res.PCM != nil {
			out = res.PCM
			break
		}
	}
	if out == nil {
		t.Fatal("processor never emitted a frame")
	}
	if len(out)%outputFrameBytes != 0 {
		t.Fatalf("emitted %d bytes, want a multiple of %d", len(out), outputFrameBytes)
	}
}

func TestProcessor_SilenceResetEmitsClearOnce(t *testing.T) {
	p := NewProcessor(DesktopSampleRate, WithSilenceReset(50*time.Millisecond))

	// 50 ms of 48 kHz audio is 2400 samples; feed silence in 480-sample
	// chunks until the reset fires.
	for range 6 {
		p.Process(quiet(DesktopFrameSamples))
	}

	res := p.Process(tone(DesktopFrameSamples))
	if !res.Clear {
		t.Fatal("expected clear signal on first chunk after silence reset")
	}

	res = p.Process(tone(DesktopFrameSamples))
	if res.Clear {
		t.Fatal("clear signal must be raised exactly once per reset")
	}
}

func TestProcessor_SpeechResetsSilenceClock(t *testing.T) {
	p := NewProcessor(DesktopSampleRate, WithSilenceReset(50*time.Millisecond))

	for range 4 {
		p.Process(quiet(DesktopFrameSamples))
	}
	// Speech before the threshold: clock restarts.
	p.Process(tone(DesktopFrameSamples))
	for range 4 {
		p.Process(quiet(DesktopFrameSamples))
	}

	res := p.Process(tone(DesktopFrameSamples))
	if res.Clear {
		t.Fatal("clear signal fired even though silence was interrupted")
	}
}

func TestPool_PreservesOrderWithSingleWorker(t *testing.T) {
	p := NewPool(1, 16)
	defer p.Close()

	results := make(chan int, 8)
	for i := range 8 {
		if !p.Submit(func() { results <- i }) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	p.Close()

	for want := range 8 {
		if got := <-results; got != want {
			t.Fatalf("job order: got %d, want %d", got, want)
		}
	}
}

func TestPool_RejectsAfterClose(t *testing.T) {
	p := NewPool(1, 4)
	p.Close()
	if p.Submit(func() {}) {
		t.Fatal("submit succeeded on closed pool")
	}
}

func TestPool_SubmitConcurrentWithClose(t *testing.T) {
	// Submit must never reach the jobs channel after Close closed it; a
	// racing send would panic and fail this test.
	for range 200 {
		p := NewPool(1, 4)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 50 {
				p.Submit(func() {})
			}
		}()
		p.Close()
		<-done
	}
}
