// SPDX-License-Identifier: MIT

// Package resp is a minimal RESP2 client for the broker sessions the
// station holds open. It covers exactly the command surface the firmware
// needs (SET EX, PUBLISH, SUBSCRIBE, XADD, XREAD) over a single TCP
// connection with per-line read deadlines.
//
// A Client is not safe for concurrent use. Each broker session is owned by
// one loop; the station opens separate clients for reading and writing.
package resp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/log"
)

const (
	// DefaultLineTimeout bounds each wire read or write. A peer that stalls
	// longer than this mid-reply fails the call.
	DefaultLineTimeout = 2 * time.Second

	// DefaultDialTimeout bounds connection establishment.
	DefaultDialTimeout = 5 * time.Second

	// initialCursor reads a stream from its beginning.
	initialCursor = "0"
)

var (
	// ErrNotConnected is returned when a command is issued before Connect
	// or after Close.
	ErrNotConnected = errors.New("resp: not connected")

	// ErrSubscribed is returned when a request/reply command is issued on a
	// session that entered subscriber mode.
	ErrSubscribed = errors.New("resp: session is in subscriber mode")
)

// ServerError is an -ERR reply from the broker, distinct from transport
// and framing failures.
type ServerError string

func (e ServerError) Error() string { return "resp: server error: " + string(e) }

// Config carries the connection parameters for one broker session.
type Config struct {
	Addr     string
	Username string
	Password string

	// DialTimeout and LineTimeout default to DefaultDialTimeout and
	// DefaultLineTimeout when zero.
	DialTimeout time.Duration
	LineTimeout time.Duration
}

// Client is one broker session. The zero value is not usable; construct
// with New and call Connect before issuing commands.
type Client struct {
	cfg Config
	log zerolog.Logger

	conn net.Conn
	rd   *reader

	subscribed    bool
	everConnected bool
	reconnects    int

	cursor string
}

// New builds a client for the given broker. It does not dial; call Connect.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.LineTimeout <= 0 {
		cfg.LineTimeout = DefaultLineTimeout
	}
	return &Client{
		cfg:    cfg,
		log:    log.WithComponent("resp"),
		cursor: initialCursor,
	}
}

// Connect dials the broker and authenticates when credentials are
// configured. Reconnecting after a successful session increments the
// reconnect counter. Any previous connection is closed first.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
	c.subscribed = false

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	c.rd = newReader(conn, c.cfg.LineTimeout)

	if err := c.authenticate(); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
		return err
	}

	if c.everConnected {
		c.reconnects++
	}
	c.everConnected = true

	c.log.Debug().
		Str("addr", c.cfg.Addr).
		Int("reconnects", c.reconnects).
		Msg("broker session established")
	return nil
}

func (c *Client) authenticate() error {
	if c.cfg.Username == "" && c.cfg.Password == "" {
		return nil
	}
	args := []string{"AUTH", c.cfg.Password}
	if c.cfg.Username != "" {
		args = []string{"AUTH", c.cfg.Username, c.cfg.Password}
	}
	v, err := c.roundTrip(args...)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if v.Kind != KindSimpleString || v.Str != "OK" {
		c.log.Warn().Str("reply", v.describe()).Msg("broker rejected credentials")
		return fmt.Errorf("auth: %w", replyError(v))
	}
	return nil
}

// Close tears down the connection. The stream cursor survives so a
// reconnected session resumes where it left off.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	c.subscribed = false
	return err
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool { return c.conn != nil }

// Reconnects counts successful connects after the first one.
func (c *Client) Reconnects() int { return c.reconnects }

// Cursor returns the stream position the next ReadStream resumes from.
func (c *Client) Cursor() string { return c.cursor }

// SetCursor positions the stream cursor, e.g. to replay from the start.
func (c *Client) SetCursor(id string) {
	if id == "" {
		id = initialCursor
	}
	c.cursor = id
}

// SetWithTTL stores a key that expires after ttl. Used for the station's
// presence key. ttl is truncated to whole seconds and must be at least one.
func (c *Client) SetWithTTL(key, value string, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		return fmt.Errorf("resp: ttl %v is below one second", ttl)
	}
	v, err := c.roundTrip("SET", key, value, "EX", strconv.FormatInt(seconds, 10))
	if err != nil {
		return err
	}
	if v.Kind != KindSimpleString || v.Str != "OK" {
		return replyError(v)
	}
	return nil
}

// Publish sends a message to a channel and returns the number of
// subscribers that received it.
func (c *Client) Publish(channel, message string) (int64, error) {
	v, err := c.roundTrip("PUBLISH", channel, message)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindInteger {
		return 0, replyError(v)
	}
	return v.Int, nil
}

// Append adds a single field/value pair to a stream with a broker-assigned
// ID and returns that ID.
func (c *Client) Append(stream, field, value string) (string, error) {
	v, err := c.roundTrip("XADD", stream, "*", field, value)
	if err != nil {
		return "", err
	}
	if v.Kind != KindBulkString {
		return "", replyError(v)
	}
	return v.Str, nil
}

// ReadStream blocks up to blockFor for one entry past the cursor and
// returns its first field/value pair. ok is false when the wait elapsed
// with nothing to read. The cursor advances only when an entry is returned,
// so a failed call retries the same position. Waits shorter than one
// millisecond are rounded up so the broker never blocks indefinitely.
func (c *Client) ReadStream(stream string, blockFor time.Duration) (field, value string, ok bool, err error) {
	if err := c.usable(); err != nil {
		return "", "", false, err
	}

	ms := int64(blockFor / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	if err := c.writeCommand("XREAD", "COUNT", "1", "BLOCK", strconv.FormatInt(ms, 10), "STREAMS", stream, c.cursor); err != nil {
		return "", "", false, err
	}

	// The broker holds the reply until an entry arrives or the block
	// elapses, so the first line gets the block window plus the normal
	// line timeout.
	v, err := c.rd.readValue(time.Duration(ms)*time.Millisecond + c.cfg.LineTimeout)
	if err != nil {
		if isTimeout(err) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("read stream %s: %w", stream, err)
	}
	if v.Kind == KindNil {
		return "", "", false, nil
	}
	if v.Kind == KindError {
		return "", "", false, ServerError(v.Str)
	}

	field, value, id, perr := parseStreamReply(v, stream)
	if perr != nil {
		return "", "", false, perr
	}
	c.cursor = id
	return field, value, true, nil
}

// parseStreamReply walks the nested XREAD reply shape
// [[stream, [[id, [f1, v1, ...]], ...]]] and extracts the first entry's
// first pair plus its ID. Extra pairs and entries are already consumed by
// the reader, so framing stays aligned even when they are discarded.
func parseStreamReply(v Value, stream string) (field, value, id string, err error) {
	if v.Kind != KindArray || len(v.Array) == 0 {
		return "", "", "", fmt.Errorf("read stream %s: unexpected reply %s", stream, v.describe())
	}
	streamBlock := v.Array[0]
	if streamBlock.Kind != KindArray || len(streamBlock.Array) != 2 {
		return "", "", "", fmt.Errorf("read stream %s: malformed stream block %s", stream, streamBlock.describe())
	}
	entries := streamBlock.Array[1]
	if entries.Kind != KindArray || len(entries.Array) == 0 {
		return "", "", "", fmt.Errorf("read stream %s: empty entry list", stream)
	}
	entry := entries.Array[0]
	if entry.Kind != KindArray || len(entry.Array) != 2 {
		return "", "", "", fmt.Errorf("read stream %s: malformed entry %s", stream, entry.describe())
	}
	idv, fields := entry.Array[0], entry.Array[1]
	if idv.Kind != KindBulkString {
		return "", "", "", fmt.Errorf("read stream %s: entry ID is %s", stream, idv.describe())
	}
	if fields.Kind != KindArray || len(fields.Array) < 2 {
		return "", "", "", fmt.Errorf("read stream %s: entry %s has no field pair", stream, idv.Str)
	}
	f, val := fields.Array[0], fields.Array[1]
	if f.Kind != KindBulkString || val.Kind != KindBulkString {
		return "", "", "", fmt.Errorf("read stream %s: entry %s field pair is %s/%s", stream, idv.Str, f.describe(), val.describe())
	}
	return f.Str, val.Str, idv.Str, nil
}

// Subscribe puts the session into subscriber mode on one channel. After a
// successful subscribe only ReadMessage and Close may be used.
func (c *Client) Subscribe(channel string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.writeCommand("SUBSCRIBE", channel); err != nil {
		return err
	}
	v, err := c.rd.readValue(c.cfg.LineTimeout)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if v.Kind == KindError {
		return ServerError(v.Str)
	}
	if v.Kind != KindArray || len(v.Array) != 3 ||
		v.Array[0].Kind != KindBulkString || !strings.EqualFold(v.Array[0].Str, "subscribe") {
		return fmt.Errorf("subscribe %s: unexpected confirmation %s", channel, v.describe())
	}
	c.subscribed = true
	return nil
}

// ReadMessage waits up to timeout for one published message on the
// subscribed channel. ok is false when the wait elapsed quietly. A stall
// in the middle of a delivery also reports ok=false; the broken framing
// then surfaces on the next call.
func (c *Client) ReadMessage(timeout time.Duration) (payload string, ok bool, err error) {
	if c.conn == nil {
		return "", false, ErrNotConnected
	}
	if !c.subscribed {
		return "", false, errors.New("resp: session is not subscribed")
	}
	if timeout <= 0 {
		timeout = c.cfg.LineTimeout
	}

	v, err := c.rd.readValue(timeout)
	if err != nil {
		if isTimeout(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read message: %w", err)
	}
	if v.Kind != KindArray || len(v.Array) != 3 ||
		v.Array[0].Kind != KindBulkString || !strings.EqualFold(v.Array[0].Str, "message") {
		return "", false, fmt.Errorf("read message: unexpected delivery %s", v.describe())
	}
	if v.Array[2].Kind != KindBulkString {
		return "", false, fmt.Errorf("read message: payload is %s", v.Array[2].describe())
	}
	return v.Array[2].Str, true, nil
}

// roundTrip issues one request/reply command.
func (c *Client) roundTrip(args ...string) (Value, error) {
	if err := c.usable(); err != nil {
		return Value{}, err
	}
	if err := c.writeCommand(args...); err != nil {
		return Value{}, err
	}
	v, err := c.rd.readValue(c.cfg.LineTimeout)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", args[0], err)
	}
	return v, nil
}

func (c *Client) usable() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.subscribed {
		return ErrSubscribed
	}
	return nil
}

// writeCommand serializes one command as a RESP array of bulk strings.
func (c *Client) writeCommand(args ...string) error {
	var b strings.Builder
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, arg := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(arg)))
		b.WriteString("\r\n")
		b.WriteString(arg)
		b.WriteString("\r\n")
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.LineTimeout)); err != nil {
		return fmt.Errorf("arm write deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("write %s: %w", args[0], err)
	}
	return nil
}

// replyError converts an unexpected reply into an error, preserving server
// errors as ServerError.
func replyError(v Value) error {
	if v.Kind == KindError {
		return ServerError(v.Str)
	}
	return fmt.Errorf("resp: unexpected reply %s", v.describe())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
