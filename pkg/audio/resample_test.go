package audio

import "testing"

func TestResampleMono16_RateUnchanged(t *testing.T) {
	in := tone(100)
	out := ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Fatal("same-rate input should be returned unchanged")
	}
}

func TestResampleMono16_Downsample3to1(t *testing.T) {
	in := tone(480)
	out := ResampleMono16(in, 48000, 16000)
	if got := len(out) / 2; got != 160 {
		t.Fatalf("48k→16k of 480 samples = %d samples, want 160", got)
	}
}

func TestResampleMono16_EmptyAndInvalid(t *testing.T) {
	if out := ResampleMono16(nil, 48000, 16000); len(out) != 0 {
		t.Fatalf("nil input produced %d bytes", len(out))
	}
	in := tone(10)
	if out := ResampleMono16(in, 0, 16000); len(out) != len(in) {
		t.Fatal("invalid rate should pass input through")
	}
}

func TestStereoToMono_Averages(t *testing.T) {
	// One stereo frame: L=100, R=300 → mono 200.
	in := []byte{100, 0, 44, 1}
	out := StereoToMono(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	got := int16(out[0]) | int16(out[1])<<8
	if got != 200 {
		t.Fatalf("mono sample = %d, want 200", got)
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(quiet(100)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	if got := RMS(tone(100)); got < 7999 || got > 8001 {
		t.Fatalf("RMS(square tone) = %v, want ≈8000", got)
	}
}

func TestNoiseGate_ZeroesSustainedQuiet(t *testing.T) {
	g := NewNoiseGate(500, 2)

	// Low-level noise below threshold.
	noisy := func() []byte {
		b := make([]byte, 200)
		for i := 0; i < len(b); i += 2 {
			b[i] = 50
		}
		return b
	}

	first := noisy()
	g.Apply(first)
	// Hold not yet reached: chunk untouched.
	if first[0] == 0 {
		t.Fatal("gate closed before hold frames elapsed")
	}

	second := noisy()
	g.Apply(second)
	if second[0] != 0 {
		t.Fatal("gate should zero audio after hold frames of quiet")
	}
}

func TestNoiseGate_SpeechReopens(t *testing.T) {
	g := NewNoiseGate(500, 1)
	g.Apply(quiet(100))

	loud := tone(100)
	if !g.Apply(loud) {
		t.Fatal("loud chunk not classified as speech")
	}
	if loud[0] == 0 && loud[1] == 0 {
		t.Fatal("speech chunk must pass through unmodified")
	}
}
