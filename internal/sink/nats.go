package sink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	HeaderConnID  = "Framed-Conn-Id"
	HeaderPeer    = "Framed-Peer"
	HeaderVersion = "Framed-Version"
)

var ErrNATSSubjectRequired = errors.New("sink: nats subject required")

// Publisher is the subset of *nats.Conn the NATS consumer needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSConfig configures republishing of Binary payloads.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

// NATS republishes each payload on Subject. PublishMsg only buffers in the
// client, so it does not block the event loop on a slow broker.
type NATS struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

// DialNATS connects to cfg.URL and returns a consumer owning the connection.
func DialNATS(cfg NATSConfig) (*NATS, error) {
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, ErrNATSSubjectRequired
	}
	opts := []nats.Option{nats.Name(cfg.Name)}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: connect nats %s: %w", cfg.URL, err)
	}
	return &NATS{pub: nc, subject: subject, conn: nc}, nil
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string) (*NATS, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrNATSSubjectRequired
	}
	return &NATS{pub: pub, subject: subject}, nil
}

func (n *NATS) Consume(d Delivery) error {
	msg := nats.NewMsg(n.subject)
	msg.Data = d.Payload
	msg.Header.Set(HeaderConnID, strconv.FormatUint(d.ConnID, 10))
	msg.Header.Set(HeaderPeer, d.Peer)
	msg.Header.Set(HeaderVersion, strconv.FormatUint(uint64(d.Version), 10))
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("sink: publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains and closes the owned connection, if any.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
