package server

import (
	"errors"
	"testing"

	"github.com/danmuck/framed/internal/protocol/frame"
)

func TestTableCapacity(t *testing.T) {
	tbl := NewTable(2)
	for i := 0; i < 2; i++ {
		if err := tbl.Insert(newConn(uint64(i+1), 10+i, "peer", frame.ProtocolVersion)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if !tbl.Full() || tbl.Len() != 2 || tbl.Cap() != 2 {
		t.Fatalf("unexpected table shape: len=%d cap=%d full=%v", tbl.Len(), tbl.Cap(), tbl.Full())
	}
	if err := tbl.Insert(newConn(3, 12, "peer", frame.ProtocolVersion)); !errors.Is(err, ErrTableFull) {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
	if _, ok := tbl.Remove(10); !ok {
		t.Fatalf("remove existing fd failed")
	}
	if _, ok := tbl.Remove(10); ok {
		t.Fatalf("second remove should report absent")
	}
	if err := tbl.Insert(newConn(3, 12, "peer", frame.ProtocolVersion)); err != nil {
		t.Fatalf("insert after remove: %v", err)
	}
}

func TestTableRejectsDuplicateFd(t *testing.T) {
	tbl := NewTable(4)
	if err := tbl.Insert(newConn(1, 7, "a", 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tbl.Insert(newConn(2, 7, "b", 1)); err == nil {
		t.Fatalf("expected duplicate fd error")
	}
	c, ok := tbl.Get(7)
	if !ok || c.Peer() != "a" {
		t.Fatalf("first connection replaced")
	}
}

func TestTableDrain(t *testing.T) {
	tbl := NewTable(3)
	for i := 0; i < 3; i++ {
		_ = tbl.Insert(newConn(uint64(i), i+20, "peer", 1))
	}
	if got := len(tbl.Drain()); got != 3 {
		t.Fatalf("drain returned %d connections", got)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table not empty after drain")
	}
}

func TestConnSendQueueAdvance(t *testing.T) {
	c := newConn(1, 3, "peer", 1)
	c.enqueue([]byte("abcd"))
	c.enqueue([]byte("ef"))
	if c.Pending() != 6 {
		t.Fatalf("pending: got=%d want=6", c.Pending())
	}
	c.advance(3)
	if string(c.head()) != "d" {
		t.Fatalf("head after partial write: %q", c.head())
	}
	c.advance(1)
	if string(c.head()) != "ef" {
		t.Fatalf("head after chunk drained: %q", c.head())
	}
	c.advance(2)
	if c.Pending() != 0 || c.head() != nil {
		t.Fatalf("queue not empty: pending=%d", c.Pending())
	}
}
