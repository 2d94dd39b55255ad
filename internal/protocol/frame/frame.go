package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed wire header: type(4) payload_len(2) version(2).
	HeaderSize = 8
	// MaxFrameSize bounds one encoded frame, header included.
	MaxFrameSize = 4096
	// MaxPayload is the largest payload that still fits in MaxFrameSize.
	MaxPayload = MaxFrameSize - HeaderSize
	// ProtocolVersion is the version this implementation announces.
	ProtocolVersion uint16 = 1
)

var (
	ErrFrameTooLarge   = errors.New("frame: frame too large")
	ErrIncomplete      = errors.New("frame: incomplete")
	ErrMalformedHeader = errors.New("frame: malformed header")
)

// Type identifies the frame kind on the wire.
type Type uint32

const (
	TypeHello Type = iota
	TypeDisconnect
	TypeBinary
)

// Known reports whether t belongs to the closed set of frame kinds.
func (t Type) Known() bool {
	return t <= TypeBinary
}

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeDisconnect:
		return "disconnect"
	case TypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Header is the fixed wire header.
type Header struct {
	Type       Type
	PayloadLen uint16
	Version    uint16
}

// Frame is one complete wire message.
type Frame struct {
	Type    Type
	Version uint16
	Payload []byte
}

func Hello(version uint16) Frame {
	return Frame{Type: TypeHello, Version: version}
}

func Disconnect(version uint16) Frame {
	return Frame{Type: TypeDisconnect, Version: version}
}

func Binary(version uint16, payload []byte) Frame {
	return Frame{Type: TypeBinary, Version: version, Payload: payload}
}

// EncodedSize is the number of bytes Encode produces for f.
func (f Frame) EncodedSize() int {
	return HeaderSize + len(f.Payload)
}

// Encode serializes f. It never returns truncated output.
func Encode(f Frame) ([]byte, error) {
	return AppendEncode(make([]byte, 0, f.EncodedSize()), f)
}

// AppendEncode appends the wire form of f to dst.
func AppendEncode(dst []byte, f Frame) ([]byte, error) {
	if f.EncodedSize() > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, f.EncodedSize())
	}
	dst = append(dst, EncodeHeader(Header{
		Type:       f.Type,
		PayloadLen: uint16(len(f.Payload)),
		Version:    f.Version,
	})...)
	return append(dst, f.Payload...), nil
}

// Decode parses one frame from the front of b without blocking.
// It returns ErrIncomplete until the whole frame is present and reports the
// exact number of bytes consumed on success. The payload never aliases b.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, ErrIncomplete
	}
	h, err := DecodeHeader(b[:HeaderSize])
	if err != nil {
		return Frame{}, 0, err
	}
	total := HeaderSize + int(h.PayloadLen)
	if total > MaxFrameSize {
		return Frame{}, 0, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, total)
	}
	if len(b) < total {
		return Frame{}, 0, ErrIncomplete
	}
	var payload []byte
	if h.PayloadLen > 0 {
		payload = make([]byte, h.PayloadLen)
		copy(payload, b[HeaderSize:total])
	}
	return Frame{Type: h.Type, Version: h.Version, Payload: payload}, total, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.BigEndian.PutUint16(buf[4:6], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[6:8], h.Version)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: invalid fixed header length: %d", ErrMalformedHeader, len(b))
	}
	return Header{
		Type:       Type(binary.BigEndian.Uint32(b[0:4])),
		PayloadLen: binary.BigEndian.Uint16(b[4:6]),
		Version:    binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// ReadFrame reads exactly one frame from a blocking stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if HeaderSize+int(h.PayloadLen) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	f := Frame{Type: h.Type, Version: h.Version}
	if h.PayloadLen > 0 {
		f.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame encodes f and writes it with a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
