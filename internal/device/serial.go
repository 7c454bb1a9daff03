// SPDX-License-Identifier: MIT

package device

import (
	"fmt"
	"strconv"
	"strings"
)

// SerialMode describes a UART framing configuration.
type SerialMode struct {
	BaudRate uint32
	DataBits uint8 // 5..8
	Parity   byte  // 'N', 'E', 'O'
	StopBits uint8 // 1..2
}

// Fleet defaults per protocol.
var (
	CTIMode    = SerialMode{BaudRate: 2400, DataBits: 7, Parity: 'E', StopBits: 1}
	ModbusMode = SerialMode{BaudRate: 9600, DataBits: 8, Parity: 'N', StopBits: 1}
	ASCIIMode  = SerialMode{BaudRate: 115200, DataBits: 8, Parity: 'N', StopBits: 1}
)

// ParseSerialMode parses the "BAUD-DNP" shorthand used in device profiles,
// e.g. "2400-7E1" or "9600-8N1".
func ParseSerialMode(s string) (SerialMode, error) {
	baudStr, rest, found := strings.Cut(s, "-")
	if !found {
		return SerialMode{}, fmt.Errorf("device: serial mode %q has no dash", s)
	}

	baud, err := strconv.ParseUint(baudStr, 10, 32)
	if err != nil || baud == 0 {
		return SerialMode{}, fmt.Errorf("device: bad baud rate in %q", s)
	}

	if len(rest) != 3 {
		return SerialMode{}, fmt.Errorf("device: serial mode %q must be three characters after the dash", s)
	}

	dataBits := rest[0] - '0'
	if dataBits < 5 || dataBits > 8 {
		return SerialMode{}, fmt.Errorf("device: data bits %c in %q out of range 5-8", rest[0], s)
	}

	parity := rest[1]
	if parity != 'N' && parity != 'E' && parity != 'O' {
		return SerialMode{}, fmt.Errorf("device: parity %c in %q must be N, E or O", parity, s)
	}

	stopBits := rest[2] - '0'
	if stopBits < 1 || stopBits > 2 {
		return SerialMode{}, fmt.Errorf("device: stop bits %c in %q out of range 1-2", rest[2], s)
	}

	return SerialMode{
		BaudRate: uint32(baud),
		DataBits: dataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// String renders the mode in the same shorthand ParseSerialMode accepts.
func (m SerialMode) String() string {
	return fmt.Sprintf("%d-%d%c%d", m.BaudRate, m.DataBits, m.Parity, m.StopBits)
}
