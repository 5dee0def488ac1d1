package audio

import (
	"errors"
	"testing"
)

// fakeDecoder fills a full frame with a constant value per packet.
type fakeDecoder struct {
	err error
}

func (d *fakeDecoder) Codec() string { return "fake" }

func (d *fakeDecoder) Decode(packet []byte, pcm []float32) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	n := FrameSize * Channels
	for i := 0; i < n; i++ {
		pcm[i] = float32(packet[0])
	}
	return n, nil
}

func TestPlaybackSameRate(t *testing.T) {
	t.Parallel()

	p, err := NewPlaybackPipeline(&fakeDecoder{}, SampleRate, 4)
	if err != nil {
		t.Fatalf("NewPlaybackPipeline: %v", err)
	}
	if got := p.Buffer().Cap(); got != 4*FrameSize*Channels {
		t.Errorf("buffer capacity: got %d, want %d", got, 4*FrameSize*Channels)
	}

	if err := p.Push([]byte{3}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := p.Buffer().Len(); got != FrameSize*Channels {
		t.Fatalf("buffered: got %d, want %d", got, FrameSize*Channels)
	}

	dst := make([]float32, FrameSize*Channels+10)
	if n := p.Read(dst); n != FrameSize*Channels {
		t.Errorf("Read: got %d, want %d", n, FrameSize*Channels)
	}
	if dst[len(dst)-1] != 3 {
		t.Errorf("underrun slot: got %v, want last sample 3", dst[len(dst)-1])
	}
}

func TestPlaybackResamplesToDeviceRate(t *testing.T) {
	t.Parallel()

	p, err := NewPlaybackPipeline(&fakeDecoder{}, 44100, 4)
	if err != nil {
		t.Fatalf("NewPlaybackPipeline: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := p.Push([]byte{1}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	// Each 20ms packet becomes 882 frames at 44.1kHz. The first chunk
	// reads one frame past its packet, so four packets yield three chunks.
	if got := p.Buffer().Len(); got != 3*882*Channels {
		t.Errorf("buffered: got %d, want %d", got, 3*882*Channels)
	}
}

func TestPlaybackOverflowDrops(t *testing.T) {
	t.Parallel()

	p, _ := NewPlaybackPipeline(&fakeDecoder{}, SampleRate, 2)
	for i := 0; i < 5; i++ {
		p.Push([]byte{1})
	}
	st := p.Stats()
	if st.Packets != 5 {
		t.Errorf("Packets: got %d, want 5", st.Packets)
	}
	if st.Ring.Buffered != 2*FrameSize*Channels {
		t.Errorf("Buffered: got %d, want %d", st.Ring.Buffered, 2*FrameSize*Channels)
	}
	if st.Ring.Dropped != 3*FrameSize*Channels {
		t.Errorf("Dropped: got %d, want %d", st.Ring.Dropped, 3*FrameSize*Channels)
	}
}

func TestPlaybackDecodeError(t *testing.T) {
	t.Parallel()

	p, _ := NewPlaybackPipeline(&fakeDecoder{err: errors.New("corrupt")}, SampleRate, 4)
	if err := p.Push([]byte{1}); err == nil {
		t.Fatal("Push: want decode error")
	}
	if got := p.Stats().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors: got %d, want 1", got)
	}
	if got := p.Buffer().Len(); got != 0 {
		t.Errorf("buffered after error: got %d, want 0", got)
	}
}
