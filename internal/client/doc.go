// Package client is the sequential peer of the framed server.
//
// A Client dials, waits for the server Hello, streams Binary frames and
// finishes with a Disconnect. It uses blocking I/O on one goroutine; the
// multiplexed side of the protocol lives in package server.
package client
