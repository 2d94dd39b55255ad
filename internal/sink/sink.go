package sink

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Delivery is one Binary payload accepted from a connection.
type Delivery struct {
	ConnID  uint64
	Peer    string
	Version uint16
	Payload []byte
	At      time.Time
}

// Consumer receives payloads in per-connection arrival order.
type Consumer interface {
	Consume(d Delivery) error
}

// Func adapts a function to Consumer.
type Func func(d Delivery) error

func (f Func) Consume(d Delivery) error {
	return f(d)
}

// Log writes one line per payload with its length, plus the payload bytes at
// debug level.
type Log struct {
	Logger *zerolog.Logger
}

func (l Log) Consume(d Delivery) error {
	logger := l.Logger
	if logger == nil {
		logger = &log.Logger
	}
	logger.Info().
		Uint64("conn_id", d.ConnID).
		Str("peer", d.Peer).
		Uint16("version", d.Version).
		Int("bytes", len(d.Payload)).
		Msg("sink.binary")
	if e := logger.Debug(); e.Enabled() {
		e.Uint64("conn_id", d.ConnID).Str("data", FormatBytes(d.Payload)).Msg("sink.binary.data")
	}
	return nil
}

// FormatBytes renders payload bytes as space separated decimals.
func FormatBytes(p []byte) string {
	var b strings.Builder
	for i, v := range p {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	return b.String()
}

// Multi delivers to every consumer and joins their errors.
type Multi []Consumer

func (m Multi) Consume(d Delivery) error {
	var errs []error
	for _, c := range m {
		if c == nil {
			continue
		}
		if err := c.Consume(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
