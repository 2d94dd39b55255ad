package server

import (
	"fmt"
	"strings"

	"github.com/danmuck/framed/internal/protocol/frame"
)

const (
	DefaultListenAddr = "0.0.0.0:6969"
	DefaultMaxClients = 256
)

// Config defines listener and connection table limits.
type Config struct {
	ListenAddr string
	MaxClients int
	Backlog    int
	// MaxPendingWrite bounds queued outbound bytes per connection. A peer that
	// stops reading past this bound is disconnected.
	MaxPendingWrite int
	// EventBatch is the number of readiness events taken per wait.
	EventBatch int
	// DisableReuseAddr leaves SO_REUSEADDR off on the listener.
	DisableReuseAddr bool
	// DisableNoDelay leaves Nagle's algorithm on for accepted sockets.
	DisableNoDelay  bool
	ProtocolVersion uint16
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		MaxClients:      DefaultMaxClients,
		Backlog:         128,
		MaxPendingWrite: 64 * frame.MaxFrameSize,
		EventBatch:      DefaultMaxClients + 2,
		ProtocolVersion: frame.ProtocolVersion,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxClients == 0 {
		c.MaxClients = def.MaxClients
	}
	if c.Backlog == 0 {
		c.Backlog = def.Backlog
	}
	if c.MaxPendingWrite == 0 {
		c.MaxPendingWrite = def.MaxPendingWrite
	}
	if c.EventBatch == 0 {
		c.EventBatch = c.MaxClients + 2
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxClients < 1 {
		return fmt.Errorf("%w: max_clients must be positive, got %d", ErrInvalidConfig, c.MaxClients)
	}
	if c.Backlog < 1 {
		return fmt.Errorf("%w: backlog must be positive, got %d", ErrInvalidConfig, c.Backlog)
	}
	if c.MaxPendingWrite < frame.MaxFrameSize {
		return fmt.Errorf("%w: max_pending_write must hold one frame (%d), got %d", ErrInvalidConfig, frame.MaxFrameSize, c.MaxPendingWrite)
	}
	if c.EventBatch < 1 {
		return fmt.Errorf("%w: event_batch must be positive, got %d", ErrInvalidConfig, c.EventBatch)
	}
	return nil
}
