package audio

import "fmt"

// Resampler converts interleaved stereo float32 audio from one sample rate to
// another, producing chunks of exactly Out() frames. Input is queued until
// InputFramesNext frames are available; any remainder stays queued for the
// next call.
//
// Conversion is linear interpolation with an exact rational phase, so output
// is deterministic for a given rate pair and input. When the rates are equal
// samples pass through untouched and only the chunking applies.
type Resampler struct {
	from, to int64
	out      int

	pending []float32 // interleaved, unconsumed input

	// phase is the position of the next output frame relative to prev, in
	// units of 1/to source frames.
	phase int64
	prev  [Channels]float32

	in  [Channels][]float32
	res [Channels][]float32
}

// NewResampler returns a resampler from rate from to rate to that emits out
// frames per chunk.
func NewResampler(from, to, out int) (*Resampler, error) {
	if from <= 0 || to <= 0 || out <= 0 {
		return nil, fmt.Errorf("audio: invalid resampler %d->%d Hz, %d frames", from, to, out)
	}
	r := &Resampler{
		from:  int64(from),
		to:    int64(to),
		out:   out,
		phase: int64(to), // first output lands on the first input frame
	}
	for ch := range r.res {
		r.res[ch] = make([]float32, out)
	}
	return r, nil
}

// Out returns the number of frames in every emitted chunk.
func (r *Resampler) Out() int { return r.out }

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool { return r.from == r.to }

// InputFramesNext returns how many queued input frames the next chunk needs.
func (r *Resampler) InputFramesNext() int {
	if r.Passthrough() {
		return r.out
	}
	need, consumed := r.step()
	return max(need, consumed)
}

// step returns the input frames read and consumed by the next chunk.
func (r *Resampler) step() (need, consumed int) {
	last := (r.phase + int64(r.out-1)*r.from) / r.to
	end := (r.phase + int64(r.out)*r.from) / r.to
	return int(last) + 1, int(end)
}

// Pending returns the number of queued input frames.
func (r *Resampler) Pending() int { return len(r.pending) / Channels }

// Push queues interleaved stereo samples.
func (r *Resampler) Push(samples []float32) {
	r.pending = append(r.pending, samples...)
}

// Next appends one output chunk to dst if enough input is queued. It
// reports false, leaving the queue untouched, otherwise.
func (r *Resampler) Next(dst []float32) ([]float32, bool) {
	need := r.InputFramesNext()
	if r.Pending() < need {
		return dst, false
	}

	if r.Passthrough() {
		n := need * Channels
		dst = append(dst, r.pending[:n]...)
		r.consume(need)
		return dst, true
	}

	r.deinterleave(need)
	for ch := range r.res {
		r.interpolate(ch)
	}

	_, consumed := r.step()
	for ch := range r.prev {
		r.prev[ch] = r.in[ch][consumed]
	}
	r.phase = (r.phase + int64(r.out)*r.from) % r.to

	for i := 0; i < r.out; i++ {
		for ch := range r.res {
			dst = append(dst, r.res[ch][i])
		}
	}
	r.consume(consumed)
	return dst, true
}

// Process queues samples and calls emit for every chunk that becomes ready.
// The chunk passed to emit is reused on the next call.
func (r *Resampler) Process(samples []float32, emit func([]float32)) {
	r.Push(samples)
	var chunk []float32
	for {
		var ok bool
		chunk, ok = r.Next(chunk[:0])
		if !ok {
			return
		}
		emit(chunk)
	}
}

// deinterleave splits the first n queued frames into per-channel buffers,
// each prefixed with the previous chunk's last consumed frame.
func (r *Resampler) deinterleave(n int) {
	for ch := range r.in {
		buf := r.in[ch][:0]
		buf = append(buf, r.prev[ch])
		for i := 0; i < n; i++ {
			buf = append(buf, r.pending[i*Channels+ch])
		}
		r.in[ch] = buf
	}
}

func (r *Resampler) interpolate(ch int) {
	src := r.in[ch]
	dst := r.res[ch]
	pos := r.phase
	for i := range dst {
		idx := pos / r.to
		frac := float32(pos%r.to) / float32(r.to)
		v := src[idx]
		if frac != 0 {
			v += (src[idx+1] - v) * frac
		}
		dst[i] = v
		pos += r.from
	}
}

func (r *Resampler) consume(frames int) {
	n := copy(r.pending, r.pending[frames*Channels:])
	r.pending = r.pending[:n]
}
