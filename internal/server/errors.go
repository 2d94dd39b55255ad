package server

import "errors"

var (
	ErrPoll          = errors.New("server: readiness wait failed")
	ErrAccept        = errors.New("server: accept failed")
	ErrRead          = errors.New("server: read failed")
	ErrWrite         = errors.New("server: write failed")
	ErrTableFull     = errors.New("server: connection table full")
	ErrSlowConsumer  = errors.New("server: pending writes exceed limit")
	ErrNotListening  = errors.New("server: not listening")
	ErrAlreadyRun    = errors.New("server: already running")
	ErrInvalidConfig = errors.New("server: invalid config")
)
