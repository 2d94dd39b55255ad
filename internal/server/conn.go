package server

import (
	"github.com/danmuck/framed/internal/protocol/session"
	"github.com/danmuck/framed/internal/protocol/stream"
	"github.com/eapache/queue"
)

// Conn is one accepted client socket. It is owned by the event loop and must
// not be retained past the loop iteration that handed it out.
type Conn struct {
	id      uint64
	fd      int
	peer    string
	machine *session.Machine
	recv    *stream.Buffer

	// send holds encoded outbound chunks ([]byte) in FIFO order; sendOff is
	// the number of bytes of the head chunk already written.
	send     *queue.Queue
	sendOff  int
	pending  int
	writeArm bool
}

func newConn(id uint64, fd int, peer string, version uint16) *Conn {
	return &Conn{
		id:      id,
		fd:      fd,
		peer:    peer,
		machine: session.NewWithVersion(version),
		recv:    stream.NewBuffer(),
		send:    queue.New(),
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Fd() int {
	return c.fd
}

func (c *Conn) Peer() string {
	return c.peer
}

func (c *Conn) State() session.State {
	return c.machine.State()
}

// Pending reports queued outbound bytes not yet accepted by the kernel.
func (c *Conn) Pending() int {
	return c.pending
}

func (c *Conn) enqueue(chunk []byte) {
	c.send.Add(chunk)
	c.pending += len(chunk)
}

// head returns the unwritten part of the oldest queued chunk.
func (c *Conn) head() []byte {
	if c.send.Length() == 0 {
		return nil
	}
	return c.send.Peek().([]byte)[c.sendOff:]
}

// advance records n bytes of the head chunk as written.
func (c *Conn) advance(n int) {
	c.sendOff += n
	c.pending -= n
	if chunk := c.send.Peek().([]byte); c.sendOff >= len(chunk) {
		c.send.Remove()
		c.sendOff = 0
	}
}
