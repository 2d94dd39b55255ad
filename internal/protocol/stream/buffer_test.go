package stream

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/danmuck/framed/internal/protocol/frame"
)

func encodeAll(t *testing.T, frames []frame.Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		var err error
		out, err = frame.AppendEncode(out, f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return out
}

func sampleFrames() []frame.Frame {
	return []frame.Frame{
		frame.Hello(1),
		frame.Binary(1, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}),
		frame.Binary(1, nil),
		{Type: frame.Type(17), Version: 2, Payload: []byte("?")},
		frame.Binary(1, bytes.Repeat([]byte{7}, frame.MaxPayload)),
		frame.Disconnect(1),
	}
}

// feed writes wire in chunks cut at the given boundaries and collects frames.
func feed(t *testing.T, wire []byte, cuts []int) []frame.Frame {
	t.Helper()
	b := NewBuffer()
	var got []frame.Frame
	prev := 0
	for _, cut := range append(cuts, len(wire)) {
		if _, err := b.Write(wire[prev:cut]); err != nil {
			t.Fatalf("write: %v", err)
		}
		prev = cut
		for f, err := range b.Frames() {
			if err != nil {
				t.Fatalf("frames: %v", err)
			}
			got = append(got, f)
		}
	}
	if b.Buffered() != 0 {
		t.Fatalf("expected empty buffer, %d bytes left", b.Buffered())
	}
	return got
}

func assertFrames(t *testing.T, got, want []frame.Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frame count mismatch: got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type || got[i].Version != want[i].Version || !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Fatalf("frame %d mismatch: got=%s want=%s", i, got[i].Type, want[i].Type)
		}
	}
}

func TestFramesAllAtOnce(t *testing.T) {
	want := sampleFrames()
	assertFrames(t, feed(t, encodeAll(t, want), nil), want)
}

func TestFramesOneByteAtATime(t *testing.T) {
	want := sampleFrames()
	wire := encodeAll(t, want)
	cuts := make([]int, 0, len(wire))
	for i := 1; i < len(wire); i++ {
		cuts = append(cuts, i)
	}
	assertFrames(t, feed(t, wire, cuts), want)
}

func TestFramesRandomSplits(t *testing.T) {
	want := sampleFrames()
	wire := encodeAll(t, want)
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var cuts []int
		for pos := rng.Intn(64) + 1; pos < len(wire); pos += rng.Intn(frame.MaxFrameSize) + 1 {
			cuts = append(cuts, pos)
		}
		assertFrames(t, feed(t, wire, cuts), want)
	}
}

func TestFramesKeepsIncompleteTail(t *testing.T) {
	wire := encodeAll(t, []frame.Frame{frame.Binary(1, []byte("abc")), frame.Binary(1, []byte("defg"))})
	b := NewBuffer()
	_, _ = b.Write(wire[:len(wire)-1])
	count := 0
	for _, err := range b.Frames() {
		if err != nil {
			t.Fatalf("frames: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 frame, got %d", count)
	}
	if b.Buffered() != frame.HeaderSize+3 {
		t.Fatalf("unexpected tail size: %d", b.Buffered())
	}
}

func TestFramesStopWhenConsumerStops(t *testing.T) {
	wire := encodeAll(t, []frame.Frame{frame.Disconnect(1), frame.Binary(1, []byte("late"))})
	b := NewBuffer()
	_, _ = b.Write(wire)
	for f, err := range b.Frames() {
		if err != nil {
			t.Fatalf("frames: %v", err)
		}
		if f.Type != frame.TypeDisconnect {
			t.Fatalf("unexpected first frame: %s", f.Type)
		}
		break
	}
	if b.Buffered() != frame.HeaderSize+4 {
		t.Fatalf("expected trailing frame to stay buffered, got %d bytes", b.Buffered())
	}
}

func TestFramesOversizeIsViolation(t *testing.T) {
	b := NewBuffer()
	_, _ = b.Write(frame.EncodeHeader(frame.Header{Type: frame.TypeBinary, PayloadLen: frame.MaxPayload + 1}))
	var gotErr error
	for _, err := range b.Frames() {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrProtocolViolation) || !errors.Is(gotErr, frame.ErrFrameTooLarge) {
		t.Fatalf("expected protocol violation wrapping ErrFrameTooLarge, got %v", gotErr)
	}
	if _, err := b.Write([]byte{1}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected poisoned buffer, got %v", err)
	}
}

func TestFramesYieldsUnknownTypes(t *testing.T) {
	b := NewBuffer()
	_, _ = b.Write([]byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 1})
	_, _ = b.Write([]byte{0, 0, 1, 0, 0, 1, 0, 1, 42})
	var got []frame.Frame
	for f, err := range b.Frames() {
		if err != nil {
			t.Fatalf("frames: %v", err)
		}
		got = append(got, f)
	}
	if len(got) != 2 || uint32(got[0].Type) != 0xFFFFFFFF || uint32(got[1].Type) != 0x100 {
		t.Fatalf("unexpected frames: %+v", got)
	}
	if b.Err() != nil || b.Buffered() != 0 {
		t.Fatalf("unknown types must not poison the buffer: err=%v buffered=%d", b.Err(), b.Buffered())
	}
}

func TestResetClearsViolation(t *testing.T) {
	b := NewBuffer()
	_, _ = b.Write(frame.EncodeHeader(frame.Header{Type: frame.TypeBinary, PayloadLen: frame.MaxPayload + 1}))
	for range b.Frames() {
	}
	if b.Err() == nil {
		t.Fatalf("expected violation before reset")
	}
	b.Reset()
	if b.Err() != nil || b.Buffered() != 0 {
		t.Fatalf("reset did not clear buffer state")
	}
}
