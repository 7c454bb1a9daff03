// SPDX-License-Identifier: MIT

// Package modbus implements the Modbus RTU frames the station exchanges with
// register-based instruments: Read Holding Registers (0x03), Write Single
// Register (0x06) and Write Multiple Registers (0x10).
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Function codes.
const (
	FuncReadHolding   uint8 = 0x03
	FuncWriteSingle   uint8 = 0x06
	FuncWriteMultiple uint8 = 0x10
)

// Exception codes reported by slaves.
const (
	ExIllegalFunction uint8 = 0x01
	ExIllegalAddress  uint8 = 0x02
	ExIllegalValue    uint8 = 0x03
	ExDeviceFailure   uint8 = 0x04
)

// MaxRegisters is the protocol limit for registers per FC03 request.
const MaxRegisters = 125

// exceptionBit marks a response function code as an exception reply.
const exceptionBit = 0x80

var (
	ErrNoRegisters       = errors.New("modbus: register count must be at least 1")
	ErrTooManyRegisters  = fmt.Errorf("modbus: register count exceeds %d", MaxRegisters)
	ErrNotReadResponse   = errors.New("modbus: not a read holding registers response")
	ErrExceptionResponse = errors.New("modbus: exception response carries no registers")
)

// CRC16 computes the Modbus RTU CRC over data (poly 0xA001, init 0xFFFF).
// On the wire the low byte is sent first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the frame CRC in wire order (low byte first).
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// BuildReadHolding builds a Read Holding Registers request.
// Frame: [slave][0x03][startHi][startLo][countHi][countLo][crcLo][crcHi].
func BuildReadHolding(slaveAddr uint8, startReg, regCount uint16) ([]byte, error) {
	if regCount == 0 {
		return nil, ErrNoRegisters
	}
	if regCount > MaxRegisters {
		return nil, ErrTooManyRegisters
	}
	frame := make([]byte, 6, 8)
	frame[0] = slaveAddr
	frame[1] = FuncReadHolding
	binary.BigEndian.PutUint16(frame[2:4], startReg)
	binary.BigEndian.PutUint16(frame[4:6], regCount)
	return appendCRC(frame), nil
}

// BuildWriteSingle builds a Write Single Register request.
// Frame: [slave][0x06][regHi][regLo][valHi][valLo][crcLo][crcHi].
func BuildWriteSingle(slaveAddr uint8, reg, value uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = slaveAddr
	frame[1] = FuncWriteSingle
	binary.BigEndian.PutUint16(frame[2:4], reg)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return appendCRC(frame)
}

// BuildWriteMultiple builds a Write Multiple Registers request.
// Frame: [slave][0x10][startHi][startLo][countHi][countLo][byteCount]
// followed by the register values and the CRC.
func BuildWriteMultiple(slaveAddr uint8, startReg uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 {
		return nil, ErrNoRegisters
	}
	if len(values) > MaxRegisters {
		return nil, ErrTooManyRegisters
	}
	frame := make([]byte, 7, 7+2*len(values)+2)
	frame[0] = slaveAddr
	frame[1] = FuncWriteMultiple
	binary.BigEndian.PutUint16(frame[2:4], startReg)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(values)))
	frame[6] = byte(2 * len(values))
	for _, v := range values {
		frame = binary.BigEndian.AppendUint16(frame, v)
	}
	return appendCRC(frame), nil
}

// Response is a structurally parsed slave reply. CRCValid is a content
// verdict; a false value does not make the response invalid.
type Response struct {
	SlaveAddr     uint8
	FunctionCode  uint8 // exception bit stripped
	IsException   bool
	ExceptionCode uint8 // valid only if IsException
	Data          []byte
	CRCValid      bool
}

// ParseResponse parses a Modbus RTU response frame. It returns an error only
// for structural violations; CRC mismatches are reported in Response.CRCValid.
//
// For FC03 responses the data is framed by the byte-count field. For write
// echoes the data is everything between the function code and the CRC.
func ParseResponse(frame []byte) (Response, error) {
	// Minimum useful frame: exception reply [slave][fc|0x80][ex][crcLo][crcHi]
	if len(frame) < 5 {
		return Response{}, fmt.Errorf("modbus: frame too short (%d bytes)", len(frame))
	}

	received := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8

	resp := Response{
		SlaveAddr: frame[0],
		CRCValid:  CRC16(frame[:len(frame)-2]) == received,
	}

	fc := frame[1]
	switch {
	case fc&exceptionBit != 0:
		resp.IsException = true
		resp.FunctionCode = fc &^ exceptionBit
		resp.ExceptionCode = frame[2]

	case fc == FuncReadHolding:
		resp.FunctionCode = fc
		byteCount := int(frame[2])
		if 3+byteCount+2 > len(frame) {
			return Response{}, fmt.Errorf("modbus: byte count %d overruns %d-byte frame", byteCount, len(frame))
		}
		resp.Data = append([]byte(nil), frame[3:3+byteCount]...)

	default:
		resp.FunctionCode = fc
		resp.Data = append([]byte(nil), frame[2:len(frame)-2]...)
	}

	return resp, nil
}

// ExtractRegisters decodes big-endian register values from an FC03 response,
// returning at most maxRegisters of them.
func ExtractRegisters(resp Response, maxRegisters int) ([]uint16, error) {
	if resp.IsException {
		return nil, ErrExceptionResponse
	}
	if resp.FunctionCode != FuncReadHolding {
		return nil, ErrNotReadResponse
	}
	if len(resp.Data)%2 != 0 {
		return nil, fmt.Errorf("modbus: odd register data length %d", len(resp.Data))
	}
	count := len(resp.Data) / 2
	if count > maxRegisters {
		count = maxRegisters
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp.Data[2*i:])
	}
	return values, nil
}

// ExpectedResponseLen returns how many bytes the slave's reply to a request
// with the given function code and register count occupies on the wire.
// Unknown function codes yield 0.
func ExpectedResponseLen(functionCode uint8, regCount uint16) int {
	switch functionCode {
	case FuncReadHolding:
		// slave + fc + byte count + data + crc
		return 5 + 2*int(regCount)
	case FuncWriteSingle, FuncWriteMultiple:
		// fixed-size echo
		return 8
	default:
		return 0
	}
}
