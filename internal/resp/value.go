// SPDX-License-Identifier: MIT

package resp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind tags a decoded RESP value.
type Kind int

const (
	KindSimpleString Kind = iota
	KindError
	KindInteger
	KindBulkString
	KindArray
	KindNil
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk string"
	case KindArray:
		return "array"
	case KindNil:
		return "nil"
	default:
		return "unknown"
	}
}

// Value is one decoded RESP reply element. Which fields are meaningful
// depends on Kind, so callers switch on the tag instead of re-deriving the
// type from raw bytes.
type Value struct {
	Kind  Kind
	Str   string  // SimpleString, Error, BulkString
	Int   int64   // Integer
	Array []Value // Array
}

func (v Value) describe() string {
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("%s %d", v.Kind, v.Int)
	case KindArray:
		return fmt.Sprintf("%s of %d", v.Kind, len(v.Array))
	case KindNil:
		return v.Kind.String()
	default:
		return fmt.Sprintf("%s %q", v.Kind, v.Str)
	}
}

// reader decodes RESP replies from a connection. Each primitive read arms
// its own deadline, mirroring the per-line timeout of the wire protocol.
type reader struct {
	conn        net.Conn
	br          *bufio.Reader
	lineTimeout time.Duration
}

func newReader(conn net.Conn, lineTimeout time.Duration) *reader {
	return &reader{
		conn:        conn,
		br:          bufio.NewReader(conn),
		lineTimeout: lineTimeout,
	}
}

// buffered reports whether decoded bytes are already waiting locally.
func (r *reader) buffered() bool {
	return r.br.Buffered() > 0
}

func (r *reader) readLine(timeout time.Duration) (string, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("arm read deadline: %w", err)
	}
	line, err := r.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(line, "\r\n") {
		return "", fmt.Errorf("resp: line %q not CRLF-terminated", line)
	}
	return line[:len(line)-2], nil
}

func (r *reader) readExact(n int, timeout time.Duration) ([]byte, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("arm read deadline: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readValue decodes one complete reply. firstTimeout bounds the wait for the
// reply's first line; nested lines use the standard line timeout. Blocking
// commands pass a widened firstTimeout, everything else the default.
func (r *reader) readValue(firstTimeout time.Duration) (Value, error) {
	line, err := r.readLine(firstTimeout)
	if err != nil {
		return Value{}, err
	}
	if line == "" {
		return Value{}, fmt.Errorf("resp: empty reply line")
	}

	marker, rest := line[0], line[1:]
	switch marker {
	case '+':
		return Value{Kind: KindSimpleString, Str: rest}, nil

	case '-':
		return Value{Kind: KindError, Str: rest}, nil

	case ':':
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("resp: bad integer %q: %w", rest, err)
		}
		return Value{Kind: KindInteger, Int: n}, nil

	case '$':
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Value{}, fmt.Errorf("resp: bad bulk length %q: %w", rest, err)
		}
		if n < 0 {
			return Value{Kind: KindNil}, nil
		}
		payload, err := r.readExact(n+2, r.lineTimeout)
		if err != nil {
			return Value{}, err
		}
		if payload[n] != '\r' || payload[n+1] != '\n' {
			return Value{}, fmt.Errorf("resp: bulk string of %d bytes not CRLF-terminated", n)
		}
		return Value{Kind: KindBulkString, Str: string(payload[:n])}, nil

	case '*':
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Value{}, fmt.Errorf("resp: bad array length %q: %w", rest, err)
		}
		if n < 0 {
			return Value{Kind: KindNil}, nil
		}
		elems := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			elem, err := r.readValue(r.lineTimeout)
			if err != nil {
				return Value{}, fmt.Errorf("resp: array element %d: %w", i, err)
			}
			elems = append(elems, elem)
		}
		return Value{Kind: KindArray, Array: elems}, nil

	default:
		return Value{}, fmt.Errorf("resp: unknown reply marker %q", string(marker))
	}
}
