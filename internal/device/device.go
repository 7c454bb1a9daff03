// SPDX-License-Identifier: MIT

// Package device drives the instruments attached to the station. Each
// protocol adapter wraps a Port, runs the request/response transaction for
// its wire protocol and keeps per-device diagnostics counters.
package device

import (
	"errors"
	"time"
)

// Port is the byte transport a device talks through, either a UART bridge
// or a raw TCP socket. Implementations own their buffering.
type Port interface {
	// Send writes the full payload or fails.
	Send(data []byte) error

	// ReceiveLine reads until terminator, strips it (plus a trailing CR
	// left by CRLF peers) and returns the line. A timeout with no complete
	// line is an error.
	ReceiveLine(terminator byte, timeout time.Duration) (string, error)

	// ReceiveExact reads until n bytes arrived or the timeout elapsed and
	// returns what it got, which may be short. A timeout with zero bytes
	// is an error.
	ReceiveExact(n int, timeout time.Duration) ([]byte, error)

	// Drain discards stale receive data before a fresh transaction.
	Drain()

	// Flush pushes buffered transmit data onto the wire. Best effort.
	Flush()
}

// ErrReceiveTimeout is returned by Port implementations when the peer sent
// nothing within the receive window.
var ErrReceiveTimeout = errors.New("device: receive timeout")
