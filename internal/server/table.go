package server

import "fmt"

// Table holds live connections keyed by socket descriptor, bounded by a
// fixed capacity.
type Table struct {
	max   int
	conns map[int]*Conn
}

func NewTable(max int) *Table {
	return &Table{max: max, conns: make(map[int]*Conn, max)}
}

func (t *Table) Full() bool {
	return len(t.conns) >= t.max
}

func (t *Table) Len() int {
	return len(t.conns)
}

func (t *Table) Cap() int {
	return t.max
}

// Insert registers c. It fails when the table is full or the descriptor is
// already present.
func (t *Table) Insert(c *Conn) error {
	if t.Full() {
		return ErrTableFull
	}
	if _, ok := t.conns[c.fd]; ok {
		return fmt.Errorf("server: fd %d already registered", c.fd)
	}
	t.conns[c.fd] = c
	return nil
}

func (t *Table) Get(fd int) (*Conn, bool) {
	c, ok := t.conns[fd]
	return c, ok
}

func (t *Table) Remove(fd int) (*Conn, bool) {
	c, ok := t.conns[fd]
	if ok {
		delete(t.conns, fd)
	}
	return c, ok
}

// Drain removes and returns every connection.
func (t *Table) Drain() []*Conn {
	out := make([]*Conn, 0, len(t.conns))
	for fd, c := range t.conns {
		out = append(out, c)
		delete(t.conns, fd)
	}
	return out
}
