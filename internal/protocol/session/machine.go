package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/framed/internal/protocol/frame"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

// State is the per-connection protocol state.
type State int

const (
	StateNew State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action tells the connection owner which effect a frame requires.
type Action int

const (
	// ActionNone: nothing to do beyond bookkeeping.
	ActionNone Action = iota
	// ActionDeliver: hand Outcome.Payload to the payload consumer.
	ActionDeliver
	// ActionIgnore: frame type outside the closed set, state unchanged.
	ActionIgnore
	// ActionClose: the connection reached Disconnected and must be reclaimed.
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDeliver:
		return "deliver"
	case ActionIgnore:
		return "ignore"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Outcome is the result of feeding one frame to a Machine.
type Outcome struct {
	Action  Action
	Payload []byte
	Reason  string
}

// Machine tracks one connection through New -> Connected -> Disconnected.
// It performs no I/O; the owner executes the returned effects.
type Machine struct {
	state       State
	version     uint16
	peerVersion uint16
	peerHello   bool
	reason      string
}

// New returns a machine in StateNew announcing frame.ProtocolVersion.
func New() *Machine {
	return NewWithVersion(frame.ProtocolVersion)
}

func NewWithVersion(version uint16) *Machine {
	return &Machine{state: StateNew, version: version}
}

func (m *Machine) State() State {
	return m.state
}

// PeerVersion reports the version from the last Hello received, if any.
func (m *Machine) PeerVersion() (uint16, bool) {
	return m.peerVersion, m.peerHello
}

// Reason reports why the machine reached StateDisconnected.
func (m *Machine) Reason() string {
	return m.reason
}

// Open runs the accept transition: it returns the Hello to send and moves the
// machine to StateConnected.
func (m *Machine) Open() (frame.Frame, error) {
	if m.state != StateNew {
		return frame.Frame{}, fmt.Errorf("%w: open from %s", ErrInvalidTransition, m.state)
	}
	m.state = StateConnected
	return frame.Hello(m.version), nil
}

// Handle applies one received frame.
func (m *Machine) Handle(f frame.Frame) Outcome {
	if m.state == StateDisconnected {
		return Outcome{Action: ActionNone, Reason: "already disconnected"}
	}
	switch f.Type {
	case frame.TypeDisconnect:
		m.disconnect("peer sent disconnect")
		return Outcome{Action: ActionClose, Reason: m.reason}
	case frame.TypeHello:
		m.peerVersion = f.Version
		m.peerHello = true
		return Outcome{Action: ActionNone, Reason: "peer hello"}
	case frame.TypeBinary:
		if m.state != StateConnected {
			return Outcome{Action: ActionIgnore, Reason: "binary before handshake"}
		}
		return Outcome{Action: ActionDeliver, Payload: f.Payload}
	default:
		return Outcome{Action: ActionIgnore, Reason: "unknown frame type " + f.Type.String()}
	}
}

// Fail moves the machine to StateDisconnected from any state. The first
// reason recorded wins.
func (m *Machine) Fail(reason string) Outcome {
	m.disconnect(reason)
	return Outcome{Action: ActionClose, Reason: m.reason}
}

func (m *Machine) disconnect(reason string) {
	if m.state == StateDisconnected {
		return
	}
	m.state = StateDisconnected
	m.reason = reason
}
