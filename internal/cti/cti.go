// SPDX-License-Identifier: MIT

// Package cti implements the serial framing used by CTI-style cryopump
// controllers. Request frames are "$<command><checksum>\r"; responses carry
// a one-letter status code, optional data and the same one-byte checksum.
package cti

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Timing defaults for the pump serial link.
const (
	DefaultTimeout   = 600 * time.Millisecond
	PollInterval     = 150 * time.Millisecond
	BackoffInterval  = 5 * time.Second
	OfflineThreshold = 2
	BackoffThreshold = 5
)

// maxDataLen bounds the data portion of a parsed response. Longer frames are
// truncated rather than rejected so an over-chatty controller cannot wedge
// the station.
const maxDataLen = 64

// Code is the one-letter response status sent by the pump controller.
type Code byte

const (
	CodeSuccess          Code = 'A'
	CodeSuccessPowerFail Code = 'B'
	CodeInvalidCommand   Code = 'E'
	CodeInvalidPowerFail Code = 'F'
	CodeInterlocksActive Code = 'G'
	CodeInterlocksPower  Code = 'H'
	CodeUnknown          Code = '?'
)

// IsSuccess reports whether the code indicates the command was accepted.
// SuccessPowerFail still means success; it additionally flags that the
// controller lost power since the last acknowledgement.
func (c Code) IsSuccess() bool {
	return c == CodeSuccess || c == CodeSuccessPowerFail
}

// IsDataValid reports whether the data portion of a response with this code
// is meaningful.
func (c Code) IsDataValid() bool {
	return c == CodeSuccess || c == CodeSuccessPowerFail
}

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeSuccessPowerFail:
		return "success_power_fail"
	case CodeInvalidCommand:
		return "invalid_command"
	case CodeInvalidPowerFail:
		return "invalid_power_fail"
	case CodeInterlocksActive:
		return "interlocks_active"
	case CodeInterlocksPower:
		return "interlocks_power"
	default:
		return "unknown"
	}
}

func codeFromByte(b byte) Code {
	switch Code(b) {
	case CodeSuccess, CodeSuccessPowerFail, CodeInvalidCommand,
		CodeInvalidPowerFail, CodeInterlocksActive, CodeInterlocksPower:
		return Code(b)
	default:
		return CodeUnknown
	}
}

// Response is a structurally parsed controller reply. ChecksumValid is a
// content verdict; a false value does not make the response invalid.
type Response struct {
	Code          Code
	Data          string
	ChecksumValid bool
}

// ErrEmptyCommand is returned by BuildFrame for a zero-length command.
var ErrEmptyCommand = errors.New("cti: empty command")

// Checksum computes the one-byte frame checksum over data. The result is an
// ASCII character in [0x30, 0x6F].
//
// The controller folds the top and bottom bit pairs of the byte sum into the
// middle six bits. Preserved exactly as the hardware implements it.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}

	d7d6 := sum >> 6
	d1d0 := sum & 0x03
	return (((sum & 0xFC) + (d7d6 ^ d1d0)) & 0x3F) + 0x30
}

// BuildFrame assembles a request frame "$<command><checksum>\r". The
// checksum covers the command characters only.
func BuildFrame(command string) (string, error) {
	if command == "" {
		return "", ErrEmptyCommand
	}
	chk := Checksum([]byte(command))
	return "$" + command + string(chk) + "\r", nil
}

// ParseFrame parses a response frame "$<code><data><checksum>\r". It returns
// an error only for structural violations; a checksum mismatch is reported
// through Response.ChecksumValid so the caller can decide whether to retry.
func ParseFrame(frame []byte) (Response, error) {
	// Minimum frame: $<code><checksum>\r
	if len(frame) < 4 {
		return Response{}, fmt.Errorf("cti: frame too short (%d bytes)", len(frame))
	}
	if frame[0] != '$' {
		return Response{}, fmt.Errorf("cti: frame does not start with '$' (0x%02x)", frame[0])
	}
	if frame[len(frame)-1] != '\r' {
		return Response{}, fmt.Errorf("cti: frame does not end with CR (0x%02x)", frame[len(frame)-1])
	}

	received := frame[len(frame)-2]

	// Checksum covers everything between '$' and the checksum byte.
	content := frame[1 : len(frame)-2]

	data := content[1:]
	if len(data) > maxDataLen {
		data = data[:maxDataLen]
	}

	return Response{
		Code:          codeFromByte(content[0]),
		Data:          string(data),
		ChecksumValid: Checksum(content) == received,
	}, nil
}

// ParseStatusByte decodes a status byte reported by the S1/S2/S3 commands.
// Status bytes are hexadecimal, not decimal: "39" means 0x39 (57).
func ParseStatusByte(s string) (byte, error) {
	if s == "" {
		return 0, errors.New("cti: empty status byte")
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("cti: invalid status byte %q: %w", s, err)
	}
	return byte(v), nil
}
