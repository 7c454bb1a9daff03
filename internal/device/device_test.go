// SPDX-License-Identifier: MIT

package device

import (
	"net"
	"testing"
	"time"
)

// fakePort scripts a device conversation: queued replies are handed out in
// order, and everything sent is recorded.
type fakePort struct {
	lines  []string // queued ReceiveLine replies
	frames [][]byte // queued ReceiveExact replies

	sent    [][]byte
	drains  int
	flushes int
	sendErr error
}

func (p *fakePort) Send(data []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

func (p *fakePort) ReceiveLine(_ byte, _ time.Duration) (string, error) {
	if len(p.lines) == 0 {
		return "", ErrReceiveTimeout
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, nil
}

func (p *fakePort) ReceiveExact(_ int, _ time.Duration) ([]byte, error) {
	if len(p.frames) == 0 {
		return nil, ErrReceiveTimeout
	}
	frame := p.frames[0]
	p.frames = p.frames[1:]
	return frame, nil
}

func (p *fakePort) Drain() { p.drains++ }
func (p *fakePort) Flush() { p.flushes++ }

func TestReconnectBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 0},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := ReconnectBackoff(tc.attempt, 30*time.Second); got != tc.want {
			t.Errorf("ReconnectBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestTCPPortReceiveLine(t *testing.T) {
	port := dialScripted(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("POWER 42.5\r\n"))
	})

	line, err := port.ReceiveLine('\n', time.Second)
	if err != nil {
		t.Fatalf("receive line: %v", err)
	}
	if line != "POWER 42.5" {
		t.Errorf("line = %q, want CRLF stripped", line)
	}
}

func TestTCPPortReceiveExactPartial(t *testing.T) {
	port := dialScripted(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte{0x01, 0x03, 0x02})
		time.Sleep(300 * time.Millisecond)
	})

	got, err := port.ReceiveExact(7, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("partial receive should not error: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d bytes, want the 3 that arrived", len(got))
	}
}

func TestTCPPortReceiveExactTimeout(t *testing.T) {
	port := dialScripted(t, func(conn net.Conn) {
		time.Sleep(200 * time.Millisecond)
	})

	if _, err := port.ReceiveExact(4, 50*time.Millisecond); err != ErrReceiveTimeout {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
}

func TestTCPPortDrain(t *testing.T) {
	ready := make(chan struct{})
	port := dialScripted(t, func(conn net.Conn) {
		_, _ = conn.Write([]byte("stale junk\n"))
		close(ready)
		time.Sleep(50 * time.Millisecond)
		_, _ = conn.Write([]byte("fresh\n"))
		time.Sleep(200 * time.Millisecond)
	})

	<-ready
	time.Sleep(20 * time.Millisecond) // let the junk land
	port.Drain()

	line, err := port.ReceiveLine('\n', time.Second)
	if err != nil {
		t.Fatalf("receive after drain: %v", err)
	}
	if line != "fresh" {
		t.Errorf("line = %q, want stale data drained", line)
	}
}

// dialScripted starts a one-connection server running script and returns a
// TCPPort connected to it.
func dialScripted(t *testing.T, script func(conn net.Conn)) *TCPPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	port := NewTCPPort(conn)
	t.Cleanup(func() { port.Close() })
	return port
}
