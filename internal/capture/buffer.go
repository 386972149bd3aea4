package capture

// DefaultBufferCapacity is the number of audio frames retained for the
// pull-based consumer before the oldest entries are evicted.
const DefaultBufferCapacity = 1024

// FrameBuffer is a fixed-capacity ring of raw PCM payloads with drop-oldest
// eviction. It is owned by the Supervisor and guarded by its lock; the type
// itself is not safe for concurrent use.
type FrameBuffer struct {
	frames [][]byte
	head   int
	count  int
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &FrameBuffer{frames: make([][]byte, capacity)}
}

// Push appends a frame, evicting the oldest entry when full.
func (b *FrameBuffer) Push(frame []byte) {
	tail := (b.head + b.count) % len(b.frames)
	b.frames[tail] = frame
	if b.count < len(b.frames) {
		b.count++
		return
	}
	// Full: the slot we just wrote was the oldest entry.
	b.head = (b.head + 1) % len(b.frames)
}

// Drain returns all buffered frames in arrival order and clears the buffer.
func (b *FrameBuffer) Drain() [][]byte {
	if b.count == 0 {
		return nil
	}
	out := make([][]byte, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.frames[(b.head+i)%len(b.frames)]
	}
	b.Clear()
	return out
}

// Len reports the number of buffered frames.
func (b *FrameBuffer) Len() int { return b.count }

// Clear drops all buffered frames.
func (b *FrameBuffer) Clear() {
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.count = 0
}
