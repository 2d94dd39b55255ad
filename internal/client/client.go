package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/framed/internal/protocol/frame"
	"github.com/danmuck/framed/internal/sink"
	"github.com/rs/zerolog/log"
)

// Client is one connected session with a framed server.
type Client struct {
	cfg           Config
	conn          net.Conn
	serverVersion uint16
	sent          int
}

// Dial connects to cfg.Address, retrying with backoff up to cfg.DialAttempts,
// and blocks until the server Hello arrives or the handshake times out.
//
// A server that answers with Disconnect instead of Hello yields ErrByeOnOpen.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Address).Str("local", conn.LocalAddr().String()).Msg("client.connected")

	c := &Client{cfg: cfg, conn: conn}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func dialWithRetry(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	attempts := max(cfg.DialAttempts, 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err == nil {
			return conn, nil
		}
		if attempt >= attempts || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDial, cfg.Address, err)
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("client.dial retry")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrDial, cfg.Address, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) handshake() error {
	if c.cfg.HandshakeTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	f, err := frame.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoHello, err)
	}
	switch f.Type {
	case frame.TypeHello:
		c.serverVersion = f.Version
		log.Debug().Uint16("version", f.Version).Msg("client.hello")
		return nil
	case frame.TypeDisconnect:
		return ErrByeOnOpen
	default:
		return fmt.Errorf("%w: first frame was %s", ErrNoHello, f.Type)
	}
}

// ServerVersion is the version carried by the server Hello.
func (c *Client) ServerVersion() uint16 {
	return c.serverVersion
}

// Sent reports how many Binary frames were written.
func (c *Client) Sent() int {
	return c.sent
}

func (c *Client) SendBinary(payload []byte) error {
	if err := c.write(frame.Binary(c.cfg.Version, payload)); err != nil {
		return err
	}
	c.sent++
	log.Debug().Int("seq", c.sent).Int("bytes", len(payload)).Str("data", sink.FormatBytes(payload)).Msg("client.send")
	return nil
}

func (c *Client) Disconnect() error {
	return c.write(frame.Disconnect(c.cfg.Version))
}

func (c *Client) Close() error {
	if c.conn == nil {
		return ErrClosed
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) write(f frame.Frame) error {
	if c.conn == nil {
		return ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return frame.WriteFrame(c.conn, f)
}

// Run performs a full session: dial, send cfg.Count Binary frames spaced by
// cfg.Interval, then Disconnect. Cancelling ctx cuts the schedule short but
// still sends the Disconnect.
func Run(ctx context.Context, cfg Config) error {
	c, err := Dial(ctx, cfg)
	if errors.Is(err, ErrByeOnOpen) {
		log.Info().Str("addr", cfg.Address).Msg("client.closed by server before hello")
		return nil
	}
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.stream(ctx)
	if derr := c.Disconnect(); derr != nil && err == nil {
		err = fmt.Errorf("send disconnect: %w", derr)
	}
	log.Info().Int("sent", c.sent).Err(err).Msg("client.done")
	return err
}

func (c *Client) stream(ctx context.Context) error {
	for i := 0; i < c.cfg.Count; i++ {
		if err := c.SendBinary(c.cfg.Payload); err != nil {
			return fmt.Errorf("send binary %d: %w", i+1, err)
		}
		if i == c.cfg.Count-1 || c.cfg.Interval <= 0 {
			continue
		}
		timer := time.NewTimer(c.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	return nil
}
