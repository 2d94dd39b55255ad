package client

import (
	"time"

	"github.com/danmuck/framed/internal/protocol/frame"
)

const DefaultAddress = "127.0.0.1:6969"

// BackoffConfig defines dial retry behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection timeouts and the send schedule.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// DialAttempts bounds connect retries; values below 1 mean one attempt.
	DialAttempts int
	Backoff      BackoffConfig

	Version  uint16
	Count    int
	Interval time.Duration
	Payload  []byte
}

// DefaultPayload is the twelve byte ramp 0..11.
func DefaultPayload() []byte {
	p := make([]byte, 12)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func DefaultConfig() Config {
	return Config{
		Address:          DefaultAddress,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		DialAttempts:     1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Version:  1,
		Count:    50,
		Interval: time.Second,
		Payload:  DefaultPayload(),
	}
}

// MaxPayload is the largest Binary payload a single frame carries.
const MaxPayload = frame.MaxPayload
