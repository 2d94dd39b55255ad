package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framed/internal/observability"
	"github.com/danmuck/framed/internal/poller"
	"github.com/danmuck/framed/internal/protocol/frame"
	"github.com/danmuck/framed/internal/protocol/session"
	"github.com/danmuck/framed/internal/sink"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// acceptPause is how long the listener is left unwatched after an accept
// error such as EMFILE.
const acceptPause = 100 * time.Millisecond

// Close causes reported to hooks and metrics.
const (
	CausePeerClosed  = "peer_closed"
	CauseDisconnect  = "disconnect"
	CauseReadError   = "read_error"
	CauseWriteError  = "write_error"
	CauseViolation   = "protocol_violation"
	CauseSlowConsume = "slow_consumer"
	CauseShutdown    = "shutdown"
)

// ConnInfo is a copy of connection identity handed to hooks.
type ConnInfo struct {
	ID    uint64
	Fd    int
	Peer  string
	State session.State
}

// Hooks observe connection lifecycle on the loop goroutine. They must not
// block.
type Hooks struct {
	OnOpen   func(info ConnInfo)
	OnReject func(peer string)
	OnClose  func(info ConnInfo, cause string)
}

type Option func(*Server)

// WithConsumer sets the Binary payload consumer. Defaults to sink.Log.
func WithConsumer(c sink.Consumer) Option {
	return func(s *Server) {
		s.consumer = c
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Server) {
		s.hooks = h
	}
}

// Server multiplexes every client connection on one goroutine.
type Server struct {
	cfg      Config
	consumer sink.Consumer
	hooks    Hooks

	lfd    int
	wakeR  int
	wakeW  int
	addr   atomic.Pointer[net.TCPAddr]
	poll   poller.Poller
	table  *Table
	nextID uint64

	readBuf []byte
	events  []poller.Event

	// acceptPaused drops listener read interest after a hard accept error
	// until acceptResume, or until a connection closes.
	acceptPaused bool
	acceptResume time.Time

	running atomic.Bool
	active  atomic.Int64
}

// New validates cfg and prepares a server. Listen binds it.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		consumer: sink.Log{},
		lfd:      -1,
		wakeR:    -1,
		wakeW:    -1,
		table:    NewTable(cfg.MaxClients),
		readBuf:  make([]byte, frame.MaxFrameSize),
		events:   make([]poller.Event, cfg.EventBatch),
	}
	for _, opt := range opts {
		opt(s)
	}
	observability.RegisterMetrics()
	return s, nil
}

// Listen binds the listening socket and registers it, plus the shutdown wake
// pipe, with the poller.
func (s *Server) Listen() error {
	if s.lfd >= 0 {
		return nil
	}
	p, err := poller.New()
	if err != nil {
		return err
	}
	lfd, err := listenTCP(s.cfg.ListenAddr, s.cfg.Backlog, !s.cfg.DisableReuseAddr, !s.cfg.DisableNoDelay)
	if err != nil {
		_ = p.Close()
		return err
	}
	addr, err := localAddr(lfd)
	if err != nil {
		_ = unix.Close(lfd)
		_ = p.Close()
		return err
	}
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		_ = unix.Close(lfd)
		_ = p.Close()
		return fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}
	if err := p.Add(lfd, poller.Readable); err != nil {
		closeAll(lfd, pipe[0], pipe[1])
		_ = p.Close()
		return err
	}
	if err := p.Add(pipe[0], poller.Readable); err != nil {
		closeAll(lfd, pipe[0], pipe[1])
		_ = p.Close()
		return err
	}
	s.poll = p
	s.lfd = lfd
	s.addr.Store(addr)
	s.wakeR, s.wakeW = pipe[0], pipe[1]
	log.Info().Str("addr", addr.String()).Int("max_clients", s.cfg.MaxClients).Msg("server.listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	addr := s.addr.Load()
	if addr == nil {
		return nil
	}
	return addr
}

// ActiveConnections is safe to call from any goroutine.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Health implements observability.HealthSource.
func (s *Server) Health() observability.Health {
	h := observability.Health{
		Status:            "ok",
		ActiveConnections: s.active.Load(),
		MaxClients:        s.cfg.MaxClients,
	}
	if addr := s.addr.Load(); addr != nil {
		h.ListenAddr = addr.String()
	}
	if !s.running.Load() {
		h.Status = "stopped"
	}
	return h
}

// Run drives the event loop until ctx is cancelled or the readiness wait
// fails. Cancellation closes every connection and the listener and returns
// nil; a failed wait returns an error wrapping ErrPoll.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer s.running.Store(false)
	if err := s.Listen(); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_, _ = unix.Write(s.wakeW, []byte{1})
		case <-done:
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
		s.shutdown()
	}()

	for {
		n, err := s.poll.Wait(s.events, s.waitTimeout(time.Now()))
		if err != nil {
			log.Error().Err(err).Msg("server.poll failed")
			return fmt.Errorf("%w: %w", ErrPoll, err)
		}
		s.maybeResumeAccept(time.Now())
		ready := s.events[:n]

		listenerReady := false
		for _, ev := range ready {
			switch ev.Fd {
			case s.wakeR:
				log.Info().Msg("server.shutdown requested")
				return nil
			case s.lfd:
				listenerReady = true
			}
		}
		if listenerReady {
			s.acceptOne()
		}
		for _, ev := range ready {
			if ev.Fd == s.lfd || ev.Fd == s.wakeR {
				continue
			}
			s.service(ev)
		}
	}
}

func (s *Server) acceptOne() {
	fd, peer, err := acceptTCP(s.lfd, !s.cfg.DisableNoDelay)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EINTR) {
			return
		}
		s.pauseAccept(fmt.Errorf("%w: %w", ErrAccept, err))
		return
	}
	if s.table.Full() {
		_ = unix.Close(fd)
		observability.RecordReject()
		log.Warn().Str("peer", peer).Int("max_clients", s.table.Cap()).Msg("server.accept rejected: table full")
		if s.hooks.OnReject != nil {
			s.hooks.OnReject(peer)
		}
		return
	}

	s.nextID++
	c := newConn(s.nextID, fd, peer, s.cfg.ProtocolVersion)
	if err := s.poll.Add(fd, poller.Readable); err != nil {
		_ = unix.Close(fd)
		log.Warn().Err(err).Str("peer", peer).Msg("server.accept register")
		return
	}
	if err := s.table.Insert(c); err != nil {
		_ = s.poll.Remove(fd)
		_ = unix.Close(fd)
		log.Warn().Err(err).Str("peer", peer).Msg("server.accept insert")
		return
	}
	s.active.Add(1)
	observability.RecordAccept()
	log.Info().
		Uint64("conn_id", c.id).
		Int("fd", fd).
		Str("peer", peer).
		Int("active", s.table.Len()).
		Msg("server.accept connection")
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen(s.info(c))
	}

	hello, err := c.machine.Open()
	if err != nil {
		s.closeConn(c, CauseViolation, err)
		return
	}
	s.sendOrClose(c, hello)
}

// pauseAccept stops watching the listener so a persistent accept error does
// not spin the loop.
func (s *Server) pauseAccept(err error) {
	if s.acceptPaused {
		return
	}
	if merr := s.poll.Modify(s.lfd, 0); merr != nil {
		log.Warn().Err(merr).Msg("server.accept pause")
		return
	}
	s.acceptPaused = true
	s.acceptResume = time.Now().Add(acceptPause)
	log.Warn().Err(err).Dur("pause", acceptPause).Msg("server.accept paused")
}

func (s *Server) resumeAccept() {
	if err := s.poll.Modify(s.lfd, poller.Readable); err != nil {
		log.Warn().Err(err).Msg("server.accept resume")
		return
	}
	s.acceptPaused = false
	log.Info().Msg("server.accept resumed")
}

func (s *Server) maybeResumeAccept(now time.Time) {
	if s.acceptPaused && !now.Before(s.acceptResume) {
		s.resumeAccept()
	}
}

// waitTimeout is the readiness wait bound in milliseconds: unbounded unless
// accepting is paused.
func (s *Server) waitTimeout(now time.Time) int {
	if !s.acceptPaused {
		return -1
	}
	d := s.acceptResume.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d/time.Millisecond) + 1
}

// service handles one readiness event for a client socket.
func (s *Server) service(ev poller.Event) {
	c, ok := s.table.Get(ev.Fd)
	if !ok {
		return
	}
	if ev.Writable {
		if err := s.flush(c); err != nil {
			s.closeConn(c, causeForWrite(err), err)
			return
		}
	}
	if ev.Readable || ev.Hangup {
		s.receive(c)
	}
}

// receive performs one read and dispatches every frame it completes.
func (s *Server) receive(c *Conn) {
	n, err := unix.Read(c.fd, s.readBuf)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.EINTR) {
			return
		}
		s.closeConn(c, CauseReadError, fmt.Errorf("%w: %w", ErrRead, err))
		return
	}
	if n <= 0 {
		s.closeConn(c, CausePeerClosed, nil)
		return
	}
	observability.RecordRead(n)
	log.Trace().Uint64("conn_id", c.id).Int("bytes", n).Msg("server.read")

	if _, err := c.recv.Write(s.readBuf[:n]); err != nil {
		observability.RecordProtocolViolation()
		s.closeConn(c, CauseViolation, err)
		return
	}
	for f, err := range c.recv.Frames() {
		if err != nil {
			observability.RecordProtocolViolation()
			s.closeConn(c, CauseViolation, err)
			return
		}
		if !s.dispatch(c, f) {
			return
		}
	}
}

// dispatch feeds one frame to the connection's state machine and executes
// the resulting effect. It returns false once the connection is gone.
func (s *Server) dispatch(c *Conn, f frame.Frame) bool {
	label := f.Type.String()
	if !f.Type.Known() {
		label = "unknown"
	}
	observability.RecordFrameReceived(label)
	log.Debug().
		Uint64("conn_id", c.id).
		Stringer("type", f.Type).
		Int("data_len", len(f.Payload)).
		Uint16("version", f.Version).
		Msg("server.frame")

	out := c.machine.Handle(f)
	switch out.Action {
	case session.ActionClose:
		s.closeConn(c, CauseDisconnect, nil)
		return false
	case session.ActionDeliver:
		d := sink.Delivery{
			ConnID:  c.id,
			Peer:    c.peer,
			Version: f.Version,
			Payload: out.Payload,
			At:      time.Now(),
		}
		if err := s.consumer.Consume(d); err != nil {
			log.Warn().Err(err).Uint64("conn_id", c.id).Msg("server.consume")
		}
	case session.ActionIgnore:
		log.Warn().Uint64("conn_id", c.id).Str("reason", out.Reason).Msg("server.frame ignored")
	default:
		if f.Type == frame.TypeHello {
			log.Info().Uint64("conn_id", c.id).Uint16("peer_version", f.Version).Msg("server.hello from peer")
		}
	}
	return true
}

// sendOrClose sends f and closes c if the send fails. It returns false once
// the connection is gone.
func (s *Server) sendOrClose(c *Conn, f frame.Frame) bool {
	if err := s.send(c, f); err != nil {
		s.closeConn(c, causeForWrite(err), err)
		return false
	}
	return true
}

// send queues f behind any pending bytes and writes as much as the socket
// accepts now. Leftover bytes arm write readiness.
func (s *Server) send(c *Conn, f frame.Frame) error {
	buf, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if c.pending+len(buf) > s.cfg.MaxPendingWrite {
		return fmt.Errorf("%w: %d bytes queued", ErrSlowConsumer, c.pending)
	}
	c.enqueue(buf)
	observability.RecordFrameSent(f.Type.String())
	return s.flush(c)
}

// flush writes queued chunks until the queue empties or the socket would
// block, then adjusts write interest to match.
func (s *Server) flush(c *Conn) error {
	for c.pending > 0 {
		n, err := unix.Write(c.fd, c.head())
		if err != nil {
			if wouldBlock(err) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
		observability.RecordWrite(n)
		c.advance(n)
		if n == 0 {
			break
		}
	}
	want := c.pending > 0
	if want == c.writeArm {
		return nil
	}
	interest := poller.Readable
	if want {
		interest |= poller.Writable
		observability.RecordWriteStall()
		log.Debug().Uint64("conn_id", c.id).Int("pending", c.pending).Msg("server.write armed")
	}
	if err := s.poll.Modify(c.fd, interest); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	c.writeArm = want
	return nil
}

// closeConn moves c to Disconnected and reclaims its slot and socket.
func (s *Server) closeConn(c *Conn, cause string, err error) {
	c.machine.Fail(cause)
	if _, ok := s.table.Remove(c.fd); !ok {
		return
	}
	s.reclaim(c, cause, err)
}

func (s *Server) reclaim(c *Conn, cause string, err error) {
	_ = s.poll.Remove(c.fd)
	_ = unix.Close(c.fd)
	s.active.Add(-1)
	observability.RecordClose(cause)

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Uint64("conn_id", c.id).
		Int("fd", c.fd).
		Str("peer", c.peer).
		Str("cause", cause).
		Int("active", s.table.Len()).
		Msg("server.close connection")
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(s.info(c), cause)
	}
	if s.acceptPaused {
		s.resumeAccept()
	}
}

func (s *Server) shutdown() {
	for _, c := range s.table.Drain() {
		c.machine.Fail(CauseShutdown)
		s.reclaim(c, CauseShutdown, nil)
	}
	closeAll(s.lfd, s.wakeR, s.wakeW)
	_ = s.poll.Close()
	s.lfd, s.wakeR, s.wakeW = -1, -1, -1
	s.acceptPaused = false
	log.Info().Msg("server.stopped")
}

func (s *Server) info(c *Conn) ConnInfo {
	return ConnInfo{ID: c.ID(), Fd: c.Fd(), Peer: c.Peer(), State: c.State()}
}

func causeForWrite(err error) string {
	if errors.Is(err, ErrSlowConsumer) {
		return CauseSlowConsume
	}
	return CauseWriteError
}

func closeAll(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}
