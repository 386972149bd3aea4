package audio

import (
	"fmt"
	"time"

	"github.com/sonicast-audio/companion/internal/logging"
)

var log = logging.L("audio")

// DefaultBlockSamples is 20 ms per channel at 48 kHz.
const DefaultBlockSamples = 960

// Block is a fixed-size chunk of de-interleaved, normalized samples ready for
// transmission.
type Block struct {
	// Channels holds one buffer per channel, each BlockSamples long.
	Channels   [][]float32
	SampleRate int
	Decoded    time.Time
}

// BlockSink receives decoded blocks. Called from the bridge owner's
// goroutine, in stream order.
type BlockSink func(Block)

// Bridge turns raw interleaved 16-bit PCM payloads into fixed-size normalized
// per-channel sample blocks. Frames must be pushed in arrival order; the
// bridge introduces no reordering and no jitter buffering. It is driven from
// a single goroutine and is not safe for concurrent use.
type Bridge struct {
	channels   int
	sampleRate int
	blockSize  int
	sink       BlockSink

	// carry holds a trailing odd byte of the previous payload so samples
	// split across payload boundaries decode correctly.
	carry   []byte
	pending []float32
}

// NewBridge creates a bridge for the given stream format. blockSize is the
// per-channel sample count per emitted block (0 = DefaultBlockSamples).
func NewBridge(sampleRate, channels, blockSize int, sink BlockSink) (*Bridge, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio bridge: invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio bridge: invalid sample rate %d", sampleRate)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSamples
	}
	if sink == nil {
		return nil, fmt.Errorf("audio bridge: nil sink")
	}
	return &Bridge{
		channels:   channels,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		sink:       sink,
	}, nil
}

// Push decodes one raw PCM payload and emits any completed blocks to the sink.
func (b *Bridge) Push(payload []byte) {
	if len(b.carry) > 0 {
		payload = append(b.carry, payload...)
		b.carry = nil
	}
	if len(payload)%2 != 0 {
		b.carry = []byte{payload[len(payload)-1]}
		payload = payload[:len(payload)-1]
	}

	b.pending = append(b.pending, DecodePCM16(payload)...)

	span := b.blockSize * b.channels
	for len(b.pending) >= span {
		// Copy the block out: mono de-interleave is a passthrough and the
		// sink may retain the buffers past this call.
		chunk := make([]float32, span)
		copy(chunk, b.pending[:span])
		b.pending = b.pending[span:]

		chans, err := Deinterleave(chunk, b.channels)
		if err != nil {
			// Channel count was validated at construction; decode errors
			// here would mean a programming error, not bad input.
			log.Error("deinterleave failed", "error", err)
			return
		}
		b.sink(Block{Channels: chans, SampleRate: b.sampleRate, Decoded: time.Now()})
	}
}

// PendingSamples reports interleaved samples decoded but not yet emitted.
func (b *Bridge) PendingSamples() int { return len(b.pending) }

// Reset drops all partial state; used when the capture stream restarts.
func (b *Bridge) Reset() {
	b.carry = nil
	b.pending = b.pending[:0]
}
