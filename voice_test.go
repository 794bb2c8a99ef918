package main

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"
)

// makeOggPage builds a single Ogg page carrying the given packets, each
// of which must be shorter than 255 bytes.
func makeOggPage(t *testing.T, packets ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	header := make([]byte, 27)
	copy(header, "OggS")
	header[26] = byte(len(packets))
	buf.Write(header)

	for _, p := range packets {
		if len(p) >= 255 {
			t.Fatalf("test packet too long: %d", len(p))
		}
		buf.WriteByte(byte(len(p)))
	}
	for _, p := range packets {
		buf.Write(p)
	}
	return buf.Bytes()
}

func opusHeadPacket() []byte {
	p := make([]byte, 19)
	copy(p, "OpusHead")
	return p
}

func opusTagsPacket() []byte {
	p := make([]byte, 16)
	copy(p, "OpusTags")
	return p
}

func TestStreamProviderParsesFrames(t *testing.T) {
	frameA := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	frameB := []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12}

	var stream bytes.Buffer
	stream.Write(makeOggPage(t, opusHeadPacket()))
	stream.Write(makeOggPage(t, opusTagsPacket()))
	stream.Write(makeOggPage(t, frameA, frameB))

	p := NewStreamProvider(&stream, nil)

	got, err := p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if !bytes.Equal(got, frameA) {
		t.Errorf("first frame = %x, want %x", got, frameA)
	}

	got, err = p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if !bytes.Equal(got, frameB) {
		t.Errorf("second frame = %x, want %x", got, frameB)
	}

	if _, err = p.ProvideOpusFrame(); err != io.EOF {
		t.Errorf("after stream end: err = %v, want io.EOF", err)
	}
}

func TestStreamProviderSkipsGarbage(t *testing.T) {
	frame := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99}

	var stream bytes.Buffer
	stream.WriteString("junk before the first page")
	stream.Write(makeOggPage(t, frame))

	p := NewStreamProvider(&stream, nil)
	got, err := p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("frame after garbage: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame = %x, want %x", got, frame)
	}
}

func TestStreamProviderFinishFiresOnce(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(makeOggPage(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}))

	p := NewStreamProvider(&stream, nil)
	var finishes int
	p.OnFinish = func() { finishes++ }

	for {
		if _, err := p.ProvideOpusFrame(); err != nil {
			break
		}
	}
	// Draining again must not re-fire.
	_, _ = p.ProvideOpusFrame()
	_, _ = p.ProvideOpusFrame()

	if finishes != 1 {
		t.Errorf("OnFinish fired %d times, want 1", finishes)
	}
}

func TestStreamProviderPauseEmitsSilence(t *testing.T) {
	frame := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	var stream bytes.Buffer
	stream.Write(makeOggPage(t, frame))

	var paused atomic.Bool
	paused.Store(true)

	p := NewStreamProvider(&stream, &paused)

	got, err := p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("paused frame: %v", err)
	}
	if !bytes.Equal(got, OpusSilence) {
		t.Errorf("paused frame = %x, want silence", got)
	}

	paused.Store(false)
	got, err = p.ProvideOpusFrame()
	if err != nil {
		t.Fatalf("resumed frame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("resumed frame = %x, want %x", got, frame)
	}
}
