// SPDX-License-Identifier: MIT

package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// tcpWriteTimeout bounds a single Send on a TCP-backed port.
	tcpWriteTimeout = 5 * time.Second

	// drainWindow is how long Drain listens for straggling bytes.
	drainWindow = time.Millisecond
)

// TCPPort adapts a network connection to the Port interface so SCPI and
// ASCII instruments on the LAN can share the device adapters with serial
// hardware.
type TCPPort struct {
	conn net.Conn
	br   *bufio.Reader
}

// NewTCPPort wraps an established connection. The caller owns the dial and
// reconnect policy.
func NewTCPPort(conn net.Conn) *TCPPort {
	return &TCPPort{conn: conn, br: bufio.NewReader(conn)}
}

func (p *TCPPort) Send(data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout)); err != nil {
		return fmt.Errorf("arm write deadline: %w", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (p *TCPPort) ReceiveLine(terminator byte, timeout time.Duration) (string, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("arm read deadline: %w", err)
	}
	line, err := p.br.ReadString(terminator)
	if err != nil {
		if isNetTimeout(err) {
			return "", ErrReceiveTimeout
		}
		return "", err
	}

	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' && terminator != '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

func (p *TCPPort) ReceiveExact(n int, timeout time.Duration) ([]byte, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("arm read deadline: %w", err)
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(p.br, buf)
	if err != nil {
		if got > 0 && isNetTimeout(err) {
			// Short reply; the caller decides whether it is usable.
			return buf[:got], nil
		}
		if isNetTimeout(err) {
			return nil, ErrReceiveTimeout
		}
		return nil, err
	}
	return buf, nil
}

// Drain discards whatever the peer sent since the last transaction.
func (p *TCPPort) Drain() {
	_ = p.conn.SetReadDeadline(time.Now().Add(drainWindow))
	buf := make([]byte, 256)
	for {
		if p.br.Buffered() == 0 {
			if _, err := p.br.Peek(1); err != nil {
				return
			}
		}
		n, _ := p.br.Read(buf)
		if n == 0 {
			return
		}
	}
}

// Flush is a no-op: the socket has no transmit buffer of ours to push.
func (p *TCPPort) Flush() {}

// Close releases the underlying connection.
func (p *TCPPort) Close() error { return p.conn.Close() }

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ReconnectBackoff returns the delay before reconnect attempt n (0-based):
// one second doubling per attempt, capped at maxDelay.
func ReconnectBackoff(attempt int, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		return 0
	}
	delay := time.Second
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
