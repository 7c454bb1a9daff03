// SPDX-License-Identifier: MIT

package modbus

import (
	"fmt"
	"time"
)

// DeviceConfig describes one RTU slave on a serial bus.
type DeviceConfig struct {
	SlaveAddr       uint8
	BaudRate        uint32
	ResponseTimeout time.Duration // inter-frame timeout
	TurnaroundDelay time.Duration // delay between TX and RX
}

// DefaultConfig is the fleet default: slave 1 at 9600 baud.
var DefaultConfig = DeviceConfig{
	SlaveAddr:       1,
	BaudRate:        9600,
	ResponseTimeout: time.Second,
	TurnaroundDelay: 5 * time.Millisecond,
}

// Validate rejects configs the bus cannot run with. Slave addresses 1-247
// are valid; 0 is the broadcast address and 248-255 are reserved.
func (c DeviceConfig) Validate() error {
	if c.SlaveAddr == 0 || c.SlaveAddr > 247 {
		return fmt.Errorf("modbus: slave address %d out of range 1-247", c.SlaveAddr)
	}
	if c.BaudRate == 0 {
		return fmt.Errorf("modbus: baud rate must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("modbus: response timeout must be positive")
	}
	return nil
}

// CharTimeout returns the inter-character timeout for a baud rate: 1.5
// character times of 11 bits each, or the fixed 750us above 19200 baud.
func CharTimeout(baudRate uint32) time.Duration {
	if baudRate == 0 {
		return 0
	}
	if baudRate > 19200 {
		return 750 * time.Microsecond
	}
	return time.Duration(11*1500000/uint64(baudRate)) * time.Microsecond
}

// FrameSilence returns the inter-frame silence for a baud rate: 3.5
// character times, or the fixed 1750us above 19200 baud.
func FrameSilence(baudRate uint32) time.Duration {
	if baudRate == 0 {
		return 0
	}
	if baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(11*3500000/uint64(baudRate)) * time.Microsecond
}
