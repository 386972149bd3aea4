package audio

import (
	"math"
	"testing"
)

func TestRoundTripWithinOneQuantizationStep(t *testing.T) {
	in := []float32{0.5, -0.5, 1.0, -1.0}

	got := DecodePCM16(EncodePCM16(in))
	if len(got) != len(in) {
		t.Fatalf("round trip length = %d, want %d", len(got), len(in))
	}
	const step = 1.0 / 32768
	for i := range in {
		if diff := math.Abs(float64(got[i] - in[i])); diff > step {
			t.Errorf("sample %d: %v -> %v, error %g exceeds %g", i, in[i], got[i], diff, step)
		}
	}
}

func TestEncodeClampsOutOfRangeSamples(t *testing.T) {
	got := DecodePCM16(EncodePCM16([]float32{1.5, -2.0}))
	const step = 1.0 / 32768
	if math.Abs(float64(got[0]-1.0)) > step {
		t.Errorf("over-range sample decoded to %v, want ~1.0", got[0])
	}
	if math.Abs(float64(got[1]+1.0)) > step {
		t.Errorf("under-range sample decoded to %v, want ~-1.0", got[1])
	}
}

func TestDecodeNormalizesKnownValues(t *testing.T) {
	// int16 LE: 0, 16384, -16384, -32768
	payload := []byte{0x00, 0x00, 0x00, 0x40, 0x00, 0xC0, 0x00, 0x80}
	got := DecodePCM16(payload)
	want := []float32{0, 0.5, -0.5, -1.0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeIgnoresTrailingOddByte(t *testing.T) {
	got := DecodePCM16([]byte{0x00, 0x40, 0xFF})
	if len(got) != 1 {
		t.Fatalf("decoded %d samples, want 1", len(got))
	}
}

func TestDeinterleaveStereo(t *testing.T) {
	samples := []float32{1, -1, 2, -2, 3, -3}
	chans, err := Deinterleave(samples, 2)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	left, right := chans[0], chans[1]
	for i, want := range []float32{1, 2, 3} {
		if left[i] != want {
			t.Errorf("left[%d] = %v, want %v", i, left[i], want)
		}
	}
	for i, want := range []float32{-1, -2, -3} {
		if right[i] != want {
			t.Errorf("right[%d] = %v, want %v", i, right[i], want)
		}
	}
}

func TestDeinterleaveMonoPassthrough(t *testing.T) {
	samples := []float32{1, 2, 3}
	chans, err := Deinterleave(samples, 1)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	if len(chans) != 1 || len(chans[0]) != 3 {
		t.Fatalf("mono shape: %d channels of %d", len(chans), len(chans[0]))
	}
}

func TestDeinterleaveFourChannelsRoundRobin(t *testing.T) {
	samples := []float32{0, 1, 2, 3, 10, 11, 12, 13}
	chans, err := Deinterleave(samples, 4)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	for c := 0; c < 4; c++ {
		if chans[c][0] != float32(c) || chans[c][1] != float32(10+c) {
			t.Errorf("channel %d = %v", c, chans[c])
		}
	}
}

func TestDeinterleaveRejectsNonPositiveChannelCount(t *testing.T) {
	for _, channels := range []int{0, -2} {
		if _, err := Deinterleave([]float32{1, 2}, channels); err == nil {
			t.Errorf("Deinterleave(_, %d) expected error", channels)
		}
	}
}

func TestInterleaveInvertsDeinterleave(t *testing.T) {
	samples := []float32{1, -1, 2, -2}
	chans, err := Deinterleave(samples, 2)
	if err != nil {
		t.Fatalf("Deinterleave: %v", err)
	}
	got, err := Interleave(chans)
	if err != nil {
		t.Fatalf("Interleave: %v", err)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
}

func BenchmarkDecodePCM16(b *testing.B) {
	payload := make([]byte, 3840) // one 20ms stereo frame at 48kHz
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DecodePCM16(payload)
	}
}
