package stream

import (
	"errors"
	"fmt"
	"iter"

	"github.com/danmuck/framed/internal/protocol/frame"
)

var ErrProtocolViolation = errors.New("stream: protocol violation")

// Buffer accumulates bytes read from one connection and resolves them into
// whole frames. Unresolved bytes carry over to the next Write.
type Buffer struct {
	buf []byte
	err error
}

func NewBuffer() *Buffer {
	return &Buffer{buf: make([]byte, 0, frame.MaxFrameSize)}
}

// Write appends p to the unresolved tail. It fails once the buffer has seen a
// protocol violation.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Frames yields every complete frame currently buffered, in arrival order.
// Iteration stops at the first incomplete frame, leaving its bytes buffered.
// A decode failure is yielded once as an ErrProtocolViolation and poisons the
// buffer.
func (b *Buffer) Frames() iter.Seq2[frame.Frame, error] {
	return func(yield func(frame.Frame, error) bool) {
		if b.err != nil {
			yield(frame.Frame{}, b.err)
			return
		}
		for {
			f, n, err := frame.Decode(b.buf)
			if errors.Is(err, frame.ErrIncomplete) {
				break
			}
			if err != nil {
				b.fail(err)
				yield(frame.Frame{}, b.err)
				return
			}
			b.consume(n)
			if !yield(f, nil) {
				return
			}
		}
		if len(b.buf) > frame.MaxFrameSize {
			b.fail(fmt.Errorf("unresolved tail of %d bytes", len(b.buf)))
			yield(frame.Frame{}, b.err)
		}
	}
}

// Buffered reports the number of unresolved bytes.
func (b *Buffer) Buffered() int {
	return len(b.buf)
}

// Err returns the protocol violation that poisoned the buffer, if any.
func (b *Buffer) Err() error {
	return b.err
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.err = nil
}

func (b *Buffer) consume(n int) {
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}

func (b *Buffer) fail(cause error) {
	b.err = fmt.Errorf("%w: %w", ErrProtocolViolation, cause)
	b.buf = b.buf[:0]
}
