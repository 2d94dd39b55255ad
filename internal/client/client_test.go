package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/framed/internal/protocol/frame"
	"github.com/danmuck/framed/internal/server"
	"github.com/danmuck/framed/internal/sink"
	"github.com/danmuck/framed/internal/testutil/testlog"
)

// fakeServer accepts one connection, sends greet, and records every frame
// the client writes until EOF.
func fakeServer(t *testing.T, greet *frame.Frame) (string, <-chan []frame.Frame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan []frame.Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		defer conn.Close()
		if greet != nil {
			_ = frame.WriteFrame(conn, *greet)
		}
		var got []frame.Frame
		for {
			f, err := frame.ReadFrame(conn)
			if err != nil {
				break
			}
			got = append(got, f)
		}
		out <- got
	}()
	return ln.Addr().String(), out
}

func testConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.Count = 3
	cfg.Interval = 5 * time.Millisecond
	return cfg
}

func TestRunSendsScheduleThenDisconnect(t *testing.T) {
	testlog.Start(t)
	hello := frame.Hello(frame.ProtocolVersion)
	addr, frames := fakeServer(t, &hello)

	if err := Run(context.Background(), testConfig(addr)); err != nil {
		t.Fatalf("run: %v", err)
	}
	var got []frame.Frame
	select {
	case got = <-frames:
	case <-time.After(3 * time.Second):
		t.Fatalf("fake server did not finish")
	}
	if len(got) != 4 {
		t.Fatalf("frame count: got=%d want=4", len(got))
	}
	for i, f := range got[:3] {
		if f.Type != frame.TypeBinary || !bytes.Equal(f.Payload, DefaultPayload()) || f.Version != 1 {
			t.Fatalf("frame %d unexpected: %+v", i, f)
		}
	}
	if got[3].Type != frame.TypeDisconnect {
		t.Fatalf("last frame: got=%s want=disconnect", got[3].Type)
	}
}

func TestDialRequiresHello(t *testing.T) {
	testlog.Start(t)
	addr, _ := fakeServer(t, &frame.Frame{Type: frame.TypeBinary, Version: 1, Payload: []byte{1}})
	if _, err := Dial(context.Background(), testConfig(addr)); !errors.Is(err, ErrNoHello) {
		t.Fatalf("expected ErrNoHello, got %v", err)
	}
}

func TestDialHelloTimeout(t *testing.T) {
	testlog.Start(t)
	addr, _ := fakeServer(t, nil)
	cfg := testConfig(addr)
	cfg.HandshakeTimeout = 50 * time.Millisecond
	if _, err := Dial(context.Background(), cfg); !errors.Is(err, ErrNoHello) {
		t.Fatalf("expected ErrNoHello, got %v", err)
	}
}

func TestRunTreatsEarlyDisconnectAsClean(t *testing.T) {
	testlog.Start(t)
	bye := frame.Disconnect(1)
	addr, _ := fakeServer(t, &bye)
	if err := Run(context.Background(), testConfig(addr)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestDialFailsWithoutListener(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig(addr)
	cfg.DialAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2}
	if err := Run(context.Background(), cfg); !errors.Is(err, ErrDial) {
		t.Fatalf("expected ErrDial, got %v", err)
	}
}

func TestClientClosedRejectsWrites(t *testing.T) {
	testlog.Start(t)
	hello := frame.Hello(1)
	addr, _ := fakeServer(t, &hello)
	c, err := Dial(context.Background(), testConfig(addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.ServerVersion() != 1 {
		t.Fatalf("server version: got=%d", c.ServerVersion())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.SendBinary([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRunAgainstServer(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	var got [][]byte
	done := make(chan string, 1)
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", MaxClients: 2},
		server.WithConsumer(sink.Func(func(d sink.Delivery) error {
			mu.Lock()
			got = append(got, d.Payload)
			mu.Unlock()
			return nil
		})),
		server.WithHooks(server.Hooks{
			OnClose: func(_ server.ConnInfo, cause string) { done <- cause },
		}),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	if err := Run(context.Background(), testConfig(srv.Addr().String())); err != nil {
		t.Fatalf("client run: %v", err)
	}
	select {
	case cause := <-done:
		if cause != server.CauseDisconnect {
			t.Fatalf("close cause: got=%s want=%s", cause, server.CauseDisconnect)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never closed the session")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("deliveries: got=%d want=3", len(got))
	}
	for _, p := range got {
		if !bytes.Equal(p, DefaultPayload()) {
			t.Fatalf("payload mismatch: %v", p)
		}
	}
}
