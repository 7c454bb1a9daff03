// SPDX-License-Identifier: MIT

package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
	"github.com/vacworks/stationd/internal/modbus"
)

// minModbusFrame is the smallest reply worth parsing.
const minModbusFrame = 4

// ErrCRCMismatch is returned when a slave reply parsed cleanly but its CRC
// does not match the frame content.
var ErrCRCMismatch = errors.New("device: modbus response crc mismatch")

// ExceptionError is a slave exception reply.
type ExceptionError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("device: modbus exception 0x%02x on function 0x%02x", e.ExceptionCode, e.FunctionCode)
}

// ModbusDevice drives one RTU slave over a serial port.
type ModbusDevice struct {
	id   string
	port Port
	cfg  modbus.DeviceConfig
	log  zerolog.Logger

	transactions int
	errors       int
	lastResponse modbus.Response
}

// NewModbus wraps a port for the slave with the given registry ID. The
// config is validated; an invalid slave address or baud rate is refused.
func NewModbus(id string, port Port, cfg modbus.DeviceConfig) (*ModbusDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.WithComponent("modbus").With().Str(log.FieldDevice, id).Logger()
	logger.Info().
		Uint8("slave", cfg.SlaveAddr).
		Uint32("baud", cfg.BaudRate).
		Dur("timeout", cfg.ResponseTimeout).
		Msg("modbus slave attached")
	return &ModbusDevice{
		id:   id,
		port: port,
		cfg:  cfg,
		log:  logger,
	}, nil
}

// ReadHolding reads regCount holding registers starting at startReg.
func (d *ModbusDevice) ReadHolding(startReg, regCount uint16) ([]uint16, error) {
	tx, err := modbus.BuildReadHolding(d.cfg.SlaveAddr, startReg, regCount)
	if err != nil {
		return nil, err
	}

	resp, err := d.transact(tx, modbus.ExpectedResponseLen(modbus.FuncReadHolding, regCount))
	if err != nil {
		return nil, fmt.Errorf("read holding 0x%04x: %w", startReg, err)
	}

	values, err := modbus.ExtractRegisters(resp, int(regCount))
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return nil, fmt.Errorf("read holding 0x%04x: %w", startReg, err)
	}
	metrics.IncDeviceTransaction(d.id, "ok")
	return values, nil
}

// WriteSingle writes one holding register and verifies the slave echo.
func (d *ModbusDevice) WriteSingle(reg, value uint16) error {
	tx := modbus.BuildWriteSingle(d.cfg.SlaveAddr, reg, value)

	if _, err := d.transact(tx, modbus.ExpectedResponseLen(modbus.FuncWriteSingle, 0)); err != nil {
		return fmt.Errorf("write register 0x%04x: %w", reg, err)
	}
	metrics.IncDeviceTransaction(d.id, "ok")
	d.log.Debug().
		Str("register", fmt.Sprintf("0x%04x", reg)).
		Str("value", fmt.Sprintf("0x%04x", value)).
		Msg("register written")
	return nil
}

// WriteMultiple writes a block of holding registers starting at startReg.
func (d *ModbusDevice) WriteMultiple(startReg uint16, values []uint16) error {
	tx, err := modbus.BuildWriteMultiple(d.cfg.SlaveAddr, startReg, values)
	if err != nil {
		return err
	}

	if _, err := d.transact(tx, modbus.ExpectedResponseLen(modbus.FuncWriteMultiple, 0)); err != nil {
		return fmt.Errorf("write %d registers at 0x%04x: %w", len(values), startReg, err)
	}
	metrics.IncDeviceTransaction(d.id, "ok")
	return nil
}

// transact runs one bus exchange: drain, send, wait the turnaround delay,
// collect the expected reply and verify CRC and exception status.
func (d *ModbusDevice) transact(tx []byte, expectedLen int) (modbus.Response, error) {
	d.port.Drain()

	if err := d.port.Send(tx); err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Msg("bus TX failed")
		return modbus.Response{}, fmt.Errorf("send: %w", err)
	}
	d.port.Flush()

	// Give the slave its turnaround before listening for the reply.
	time.Sleep(d.cfg.TurnaroundDelay)

	rx, err := d.port.ReceiveExact(expectedLen, d.cfg.ResponseTimeout)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Err(err).Int("expected", expectedLen).Msg("bus RX timeout")
		return modbus.Response{}, fmt.Errorf("receive: %w", err)
	}
	if len(rx) < minModbusFrame {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Int("got", len(rx)).Int("expected", expectedLen).Msg("short bus reply")
		return modbus.Response{}, fmt.Errorf("short reply: %d of %d bytes", len(rx), expectedLen)
	}

	d.transactions++

	resp, err := modbus.ParseResponse(rx)
	if err != nil {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		return modbus.Response{}, err
	}
	d.lastResponse = resp

	if !resp.CRCValid {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Error().Uint8("function", resp.FunctionCode).Msg("bus reply crc mismatch")
		return modbus.Response{}, ErrCRCMismatch
	}
	if resp.IsException {
		d.errors++
		metrics.IncDeviceTransaction(d.id, "error")
		d.log.Warn().
			Uint8("function", resp.FunctionCode).
			Uint8("exception", resp.ExceptionCode).
			Msg("slave exception")
		return modbus.Response{}, &ExceptionError{
			FunctionCode:  resp.FunctionCode,
			ExceptionCode: resp.ExceptionCode,
		}
	}

	return resp, nil
}

// Transactions counts replies received, including exceptions.
func (d *ModbusDevice) Transactions() int { return d.transactions }

// Errors counts failed exchanges: transport, framing, CRC and exception
// failures.
func (d *ModbusDevice) Errors() int { return d.errors }

// LastResponse returns the most recent structurally parsed reply.
func (d *ModbusDevice) LastResponse() modbus.Response { return d.lastResponse }
