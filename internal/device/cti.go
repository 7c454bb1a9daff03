// SPDX-License-Identifier: MIT

package device

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/cti"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
)

// StatusError is a structurally valid pump reply whose status code reports
// the controller refused or failed the command. It renders in the "ERR:<c>"
// form the fleet tooling greps for.
type StatusError struct {
	Code cti.Code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ERR:%c", byte(e.Code))
}

// ErrChecksumMismatch is returned when a pump reply parsed cleanly but its
// checksum byte does not match the frame content.
var ErrChecksumMismatch = fmt.Errorf("device: cti response checksum mismatch")

// CTIDevice drives one CTI-style cryopump controller over a serial port.
type CTIDevice struct {
	id   string
	port Port
	log  zerolog.Logger

	transactions int
	errors       int
	lastResponse cti.Response
}

// NewCTI wraps a port for the pump with the given registry ID.
func NewCTI(id string, port Port) *CTIDevice {
	return &CTIDevice{
		id:   id,
		port: port,
		log:  log.WithComponent("cti").With().Str(log.FieldDevice, id).Logger(),
	}
}

// Execute runs one command transaction: build the frame, drain stale input,
// send, and parse the reply line. It returns the response data on success
// and a StatusError when the controller answered with a failure code.
func (d *CTIDevice) Execute(ctiCmd string) (string, error) {
	frame, err := cti.BuildFrame(ctiCmd)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return "", fmt.Errorf("build frame for %q: %w", ctiCmd, err)
	}

	d.port.Drain()

	if err := d.port.Send([]byte(frame)); err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Str("command", ctiCmd).Msg("pump TX failed")
		return "", fmt.Errorf("send %q: %w", ctiCmd, err)
	}
	d.port.Flush()

	d.log.Debug().Str("command", ctiCmd).Int("bytes", len(frame)).Msg("pump TX")

	line, err := d.port.ReceiveLine('\r', cti.DefaultTimeout)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Str("command", ctiCmd).Msg("pump RX timeout")
		return "", fmt.Errorf("receive for %q: %w", ctiCmd, err)
	}

	// The port strips the terminator but the parser wants the full frame.
	resp, err := cti.ParseFrame([]byte(line + "\r"))
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Str("command", ctiCmd).Msg("unparseable pump reply")
		return "", fmt.Errorf("parse reply for %q: %w", ctiCmd, err)
	}

	d.lastResponse = resp
	d.transactions++

	if !resp.ChecksumValid {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Str("command", ctiCmd).Msg("pump reply checksum mismatch")
		return "", ErrChecksumMismatch
	}

	if !resp.Code.IsSuccess() {
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Warn().
			Str("command", ctiCmd).
			Str("status", resp.Code.String()).
			Msg("pump refused command")
		return "", &StatusError{Code: resp.Code}
	}

	metrics.IncDeviceTransaction(d.id, "ok")
	d.log.Debug().Str("command", ctiCmd).Str("data", resp.Data).Msg("pump OK")
	return resp.Data, nil
}

// Transactions counts replies that parsed structurally, including refused
// commands.
func (d *CTIDevice) Transactions() int { return d.transactions }

// Errors counts failed transactions: transport, framing and checksum
// failures. Controller-refused commands are not errors.
func (d *CTIDevice) Errors() int { return d.errors }

// LastResponse returns the most recent structurally parsed reply.
func (d *CTIDevice) LastResponse() cti.Response { return d.lastResponse }
