package client

import "errors"

var (
	ErrDial      = errors.New("client: dial failed")
	ErrNoHello   = errors.New("client: server did not send hello")
	ErrClosed    = errors.New("client: connection closed")
	ErrByeOnOpen = errors.New("client: server disconnected before hello")
)
