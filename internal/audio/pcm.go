package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodePCM16 converts interleaved little-endian signed 16-bit PCM into
// normalized float32 samples in [-1, 1]. A trailing odd byte is ignored;
// callers that receive arbitrarily fragmented payloads carry it themselves.
func DecodePCM16(payload []byte) []float32 {
	n := len(payload) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(payload[2*i:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodePCM16 converts normalized samples back to interleaved little-endian
// 16-bit PCM. Samples are clamped to [-1, 1] before conversion, so a decoded
// value reproduces the original within one quantization step (1/32768).
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := math.Round(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// Deinterleave splits interleaved samples into per-channel buffers. Mono is a
// passthrough (the input slice is returned as the single channel); any other
// positive channel count is de-interleaved round-robin. Trailing samples that
// do not fill a whole sample frame are dropped.
func Deinterleave(samples []float32, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if channels == 1 {
		return [][]float32{samples}, nil
	}

	per := len(samples) / channels
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, per)
	}
	for i := 0; i < per*channels; i++ {
		out[i%channels][i/channels] = samples[i]
	}
	return out, nil
}

// Interleave is the inverse of Deinterleave. All channels must have equal length.
func Interleave(channels [][]float32) ([]float32, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels")
	}
	per := len(channels[0])
	for c, ch := range channels {
		if len(ch) != per {
			return nil, fmt.Errorf("channel %d has %d samples, want %d", c, len(ch), per)
		}
	}
	out := make([]float32, per*len(channels))
	for i := range out {
		out[i] = channels[i%len(channels)][i/len(channels)]
	}
	return out, nil
}
