// SPDX-License-Identifier: MIT

package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
	"github.com/vacworks/stationd/internal/scpi"
)

// scpiTimeout bounds the wait for an instrument reply line.
const scpiTimeout = time.Second

// InstrumentError is an error reply from a SCPI instrument's error queue.
type InstrumentError struct {
	Code    int
	Message string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("device: scpi error %d: %s", e.Code, e.Message)
}

// SCPIDevice drives one line-oriented SCPI instrument, typically over a raw
// TCP socket.
type SCPIDevice struct {
	id         string
	port       Port
	lineEnding string
	log        zerolog.Logger

	transactions int
	errors       int
}

// NewSCPI wraps a port for the instrument with the given registry ID.
func NewSCPI(id string, port Port) *SCPIDevice {
	return &SCPIDevice{
		id:         id,
		port:       port,
		lineEnding: scpi.DefaultLineEnding,
		log:        log.WithComponent("scpi").With().Str(log.FieldDevice, id).Logger(),
	}
}

// Query sends a command and waits for the reply line. Instrument errors of
// the form `-NNN,"message"` come back as *InstrumentError.
func (d *SCPIDevice) Query(cmd string) (string, error) {
	d.port.Drain()

	if err := d.port.Send([]byte(scpi.FormatCommand(cmd, d.lineEnding))); err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	d.port.Flush()

	line, err := d.port.ReceiveLine('\n', scpiTimeout)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Str("command", cmd).Msg("instrument RX timeout")
		return "", fmt.Errorf("receive for %q: %w", cmd, err)
	}

	resp, isError, err := scpi.ParseResponse(line)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return "", fmt.Errorf("parse reply for %q: %w", cmd, err)
	}

	d.transactions++

	if isError {
		code, msg, perr := scpi.ParseError(resp)
		if perr != nil {
			d.errors++
			metrics.IncDeviceTransaction(d.id, "error")
			return "", fmt.Errorf("parse error reply for %q: %w", cmd, perr)
		}
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Warn().Str("command", cmd).Int("code", code).Str("message", msg).Msg("instrument error")
		return "", &InstrumentError{Code: code, Message: msg}
	}

	metrics.IncDeviceTransaction(d.id, "ok")
	return resp, nil
}

// Send transmits a command that produces no reply.
func (d *SCPIDevice) Send(cmd string) error {
	if err := d.port.Send([]byte(scpi.FormatCommand(cmd, d.lineEnding))); err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	d.port.Flush()
	d.transactions++
	metrics.IncDeviceTransaction(d.id, "ok")
	return nil
}

// Transactions counts completed exchanges, including instrument errors.
func (d *SCPIDevice) Transactions() int { return d.transactions }

// Errors counts transport failures and instrument error replies.
func (d *SCPIDevice) Errors() int { return d.errors }
