package server

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/framed/internal/poller"
	"github.com/danmuck/framed/internal/protocol/frame"
	"github.com/danmuck/framed/internal/protocol/session"
	"github.com/danmuck/framed/internal/protocol/stream"
	"github.com/danmuck/framed/internal/testutil/testlog"
	"golang.org/x/sys/unix"
)

// pairServer builds a server that is not running, with one Conn registered on
// the near end of a socketpair whose send buffer is tiny. The far end is
// returned for the test to read.
func pairServer(t *testing.T, cfg Config, hooks Hooks) (*Server, *Conn, int) {
	t.Helper()
	testlog.Start(t)

	srv, err := New(cfg, WithHooks(hooks))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	p, err := poller.New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	srv.poll = p

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(pair[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetsockoptInt(pair[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096); err != nil {
		t.Fatalf("set sndbuf: %v", err)
	}
	if err := unix.SetsockoptTimeval(pair[1], unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 3}); err != nil {
		t.Fatalf("set rcvtimeo: %v", err)
	}

	c := newConn(1, pair[0], "pair", frame.ProtocolVersion)
	if err := p.Add(pair[0], poller.Readable); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := srv.table.Insert(c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	srv.active.Add(1)

	t.Cleanup(func() {
		if _, ok := srv.table.Get(pair[0]); ok {
			srv.closeConn(c, CauseShutdown, nil)
		}
		_ = unix.Close(pair[1])
		_ = p.Close()
	})
	return srv, c, pair[1]
}

func TestServerBuffersPartialWritesUntilWritable(t *testing.T) {
	srv, c, peer := pairServer(t, Config{MaxClients: 2, MaxPendingWrite: 1 << 20}, Hooks{})

	const frames = 64
	payload := bytes.Repeat([]byte{0x5a}, frame.MaxPayload)
	for i := 0; i < frames; i++ {
		if !srv.sendOrClose(c, frame.Binary(1, payload)) {
			t.Fatalf("send %d closed the connection", i)
		}
	}
	if c.Pending() == 0 {
		t.Fatalf("expected bytes left pending behind a full socket buffer")
	}
	if !c.writeArm {
		t.Fatalf("write interest not armed with %d bytes pending", c.Pending())
	}

	total := frames * (frame.HeaderSize + frame.MaxPayload)
	type result struct {
		data []byte
		err  error
	}
	read := make(chan result, 1)
	go func() {
		data := make([]byte, 0, total)
		buf := make([]byte, 64*1024)
		for len(data) < total {
			n, err := unix.Read(peer, buf)
			if err != nil {
				read <- result{data: data, err: err}
				return
			}
			if n == 0 {
				break
			}
			data = append(data, buf[:n]...)
		}
		read <- result{data: data}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for c.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pending bytes never drained: %d", c.Pending())
		}
		n, err := srv.poll.Wait(srv.events, 50)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		for _, ev := range srv.events[:n] {
			srv.service(ev)
		}
	}
	if c.writeArm {
		t.Fatalf("write interest still armed after drain")
	}

	res := <-read
	if res.err != nil {
		t.Fatalf("peer read: %v (got %d/%d bytes)", res.err, len(res.data), total)
	}
	if len(res.data) != total {
		t.Fatalf("peer read %d/%d bytes", len(res.data), total)
	}
	b := stream.NewBuffer()
	_, _ = b.Write(res.data)
	count := 0
	for f, err := range b.Frames() {
		if err != nil {
			t.Fatalf("decode peer stream: %v", err)
		}
		if f.Type != frame.TypeBinary || len(f.Payload) != frame.MaxPayload {
			t.Fatalf("frame %d unexpected: type=%s len=%d", count, f.Type, len(f.Payload))
		}
		count++
	}
	if count != frames || b.Buffered() != 0 {
		t.Fatalf("frames received: got=%d want=%d buffered=%d", count, frames, b.Buffered())
	}
}

func TestServerClosesSlowConsumer(t *testing.T) {
	var cause string
	srv, c, _ := pairServer(t, Config{MaxClients: 2, MaxPendingWrite: 2 * frame.MaxFrameSize}, Hooks{
		OnClose: func(_ ConnInfo, why string) { cause = why },
	})

	payload := make([]byte, frame.MaxPayload)
	closed := false
	for i := 0; i < 256; i++ {
		if !srv.sendOrClose(c, frame.Binary(1, payload)) {
			closed = true
			break
		}
	}
	if !closed {
		t.Fatalf("peer never read yet connection stayed open with %d bytes pending", c.Pending())
	}
	if cause != CauseSlowConsume {
		t.Fatalf("close cause: got=%s want=%s", cause, CauseSlowConsume)
	}
	if srv.table.Len() != 0 || srv.ActiveConnections() != 0 {
		t.Fatalf("slot not reclaimed: table=%d active=%d", srv.table.Len(), srv.ActiveConnections())
	}
	if c.State() != session.StateDisconnected {
		t.Fatalf("state: got=%s want=%s", c.State(), session.StateDisconnected)
	}
}

func TestAcceptPauseDropsListenerInterest(t *testing.T) {
	testlog.Start(t)
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", MaxClients: 2})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(srv.shutdown)

	if got := srv.waitTimeout(time.Now()); got != -1 {
		t.Fatalf("wait timeout while accepting: got=%d want=-1", got)
	}
	srv.pauseAccept(errors.New("accept: too many open files"))
	if !srv.acceptPaused {
		t.Fatalf("accept not paused")
	}
	if got := srv.waitTimeout(time.Now()); got <= 0 || got > int(acceptPause/time.Millisecond)+1 {
		t.Fatalf("wait timeout while paused: got=%d", got)
	}

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	listenerReady := func(timeoutMs int) bool {
		n, err := srv.poll.Wait(srv.events, timeoutMs)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		for _, ev := range srv.events[:n] {
			if ev.Fd == srv.lfd && ev.Readable {
				return true
			}
		}
		return false
	}
	if listenerReady(50) {
		t.Fatalf("listener reported readable while paused")
	}

	srv.maybeResumeAccept(srv.acceptResume)
	if srv.acceptPaused {
		t.Fatalf("accept not resumed at deadline")
	}
	if !listenerReady(1000) {
		t.Fatalf("listener not readable after resume with a pending connection")
	}
}
