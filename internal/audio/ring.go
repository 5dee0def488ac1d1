package audio

import "sync/atomic"

// JitterRingBuffer is a bounded FIFO of float32 samples between one producer
// (network decode) and one consumer (the audio device callback). Neither
// side blocks: Push drops what does not fit, and Pop pads an underrun by
// repeating the last sample it returned.
type JitterRingBuffer struct {
	buf  []float32
	head atomic.Uint64 // next read, owned by the consumer
	tail atomic.Uint64 // next write, owned by the producer

	last    float32 // consumer only
	dropped atomic.Int64
	padded  atomic.Int64
}

// NewJitterRingBuffer returns a buffer holding up to capacity samples.
func NewJitterRingBuffer(capacity int) *JitterRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &JitterRingBuffer{buf: make([]float32, capacity)}
}

// Cap returns the buffer capacity in samples.
func (r *JitterRingBuffer) Cap() int { return len(r.buf) }

// Len returns the number of buffered samples.
func (r *JitterRingBuffer) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Push appends as many samples as fit and returns that count.
func (r *JitterRingBuffer) Push(samples []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := len(r.buf) - int(tail-head)
	n := min(free, len(samples))
	size := uint64(len(r.buf))
	for i := 0; i < n; i++ {
		r.buf[(tail+uint64(i))%size] = samples[i]
	}
	r.tail.Store(tail + uint64(n))
	if n < len(samples) {
		r.dropped.Add(int64(len(samples) - n))
	}
	return n
}

// Pop fills all of dst. Slots the buffer cannot supply repeat the last
// sample popped, or are zero if nothing has been popped yet. It returns the
// number of samples taken from the buffer.
func (r *JitterRingBuffer) Pop(dst []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	n := min(int(tail-head), len(dst))
	size := uint64(len(r.buf))
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(head+uint64(i))%size]
	}
	r.head.Store(head + uint64(n))

	if n > 0 {
		r.last = dst[n-1]
	}
	if n < len(dst) {
		for i := n; i < len(dst); i++ {
			dst[i] = r.last
		}
		r.padded.Add(int64(len(dst) - n))
	}
	return n
}

// RingStats counts samples lost to overflow and slots padded on underrun.
type RingStats struct {
	Buffered int   `json:"buffered"`
	Dropped  int64 `json:"dropped"`
	Padded   int64 `json:"padded"`
}

func (r *JitterRingBuffer) Stats() RingStats {
	return RingStats{
		Buffered: r.Len(),
		Dropped:  r.dropped.Load(),
		Padded:   r.padded.Load(),
	}
}
