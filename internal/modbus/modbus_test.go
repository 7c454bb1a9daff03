// SPDX-License-Identifier: MIT

package modbus

import (
	"bytes"
	"errors"
	"testing"
)

// CRC values verified against reference Modbus CRC calculators.
func TestCRC16KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{name: "empty", data: nil, want: 0xFFFF},
		{name: "read holding request", data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, want: 0x0A84},
		{name: "single byte", data: []byte{0x01}, want: 0x807E},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CRC16(tt.data)
			if got != tt.want {
				t.Errorf("CRC16(% x) = %#04x, want %#04x", tt.data, got, tt.want)
			}
		})
	}
}

func TestBuildReadHolding(t *testing.T) {
	frame, err := BuildReadHolding(1, 0x1000, 1)
	if err != nil {
		t.Fatalf("BuildReadHolding() error = %v", err)
	}
	if len(frame) != 8 {
		t.Fatalf("frame length = %d, want 8", len(frame))
	}
	want := []byte{0x01, 0x03, 0x10, 0x00, 0x00, 0x01}
	if !bytes.Equal(frame[:6], want) {
		t.Errorf("frame header = % x, want % x", frame[:6], want)
	}
	crc := CRC16(frame[:6])
	if frame[6] != byte(crc&0xFF) || frame[7] != byte(crc>>8) {
		t.Errorf("CRC bytes = %02x %02x, want lo=%02x hi=%02x", frame[6], frame[7], crc&0xFF, crc>>8)
	}
}

func TestBuildReadHoldingBounds(t *testing.T) {
	if _, err := BuildReadHolding(1, 0, 0); !errors.Is(err, ErrNoRegisters) {
		t.Errorf("zero count error = %v, want ErrNoRegisters", err)
	}
	if _, err := BuildReadHolding(1, 0, MaxRegisters+1); !errors.Is(err, ErrTooManyRegisters) {
		t.Errorf("oversized count error = %v, want ErrTooManyRegisters", err)
	}
	if _, err := BuildReadHolding(1, 0, MaxRegisters); err != nil {
		t.Errorf("count at limit error = %v, want nil", err)
	}
}

func TestBuildWriteSingle(t *testing.T) {
	frame := BuildWriteSingle(1, 0x1001, 0x00C8)
	if len(frame) != 8 {
		t.Fatalf("frame length = %d, want 8", len(frame))
	}
	want := []byte{0x01, 0x06, 0x10, 0x01, 0x00, 0xC8}
	if !bytes.Equal(frame[:6], want) {
		t.Errorf("frame header = % x, want % x", frame[:6], want)
	}
}

func TestBuildWriteMultiple(t *testing.T) {
	frame, err := BuildWriteMultiple(1, 0x1000, []uint16{0x0064, 0x00C8})
	if err != nil {
		t.Fatalf("BuildWriteMultiple() error = %v", err)
	}
	// header(7) + data(4) + crc(2)
	if len(frame) != 13 {
		t.Fatalf("frame length = %d, want 13", len(frame))
	}
	want := []byte{0x01, 0x10, 0x10, 0x00, 0x00, 0x02, 0x04, 0x00, 0x64, 0x00, 0xC8}
	if !bytes.Equal(frame[:11], want) {
		t.Errorf("frame = % x, want % x", frame[:11], want)
	}
	crc := CRC16(frame[:11])
	if frame[11] != byte(crc&0xFF) || frame[12] != byte(crc>>8) {
		t.Error("trailing CRC does not cover the frame body")
	}
}

func TestBuildWriteMultipleEmptyValues(t *testing.T) {
	if _, err := BuildWriteMultiple(1, 0x1000, nil); !errors.Is(err, ErrNoRegisters) {
		t.Errorf("error = %v, want ErrNoRegisters", err)
	}
}

// withCRC appends a correct CRC to a frame body, the way a slave would.
func withCRC(body []byte) []byte {
	crc := CRC16(body)
	return append(append([]byte(nil), body...), byte(crc&0xFF), byte(crc>>8))
}

func TestParseReadHoldingResponse(t *testing.T) {
	frame := withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0xC8})

	resp, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.SlaveAddr != 1 {
		t.Errorf("SlaveAddr = %d, want 1", resp.SlaveAddr)
	}
	if resp.FunctionCode != FuncReadHolding {
		t.Errorf("FunctionCode = %#02x, want %#02x", resp.FunctionCode, FuncReadHolding)
	}
	if resp.IsException {
		t.Error("IsException = true, want false")
	}
	if !resp.CRCValid {
		t.Error("CRCValid = false, want true")
	}
	if !bytes.Equal(resp.Data, []byte{0x00, 0xC8}) {
		t.Errorf("Data = % x, want 00 c8", resp.Data)
	}
}

func TestParseExceptionResponse(t *testing.T) {
	frame := withCRC([]byte{0x01, 0x83, ExIllegalAddress})

	resp, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !resp.IsException {
		t.Fatal("IsException = false, want true")
	}
	// The base function code is recovered from under the exception bit.
	if resp.FunctionCode != FuncReadHolding {
		t.Errorf("FunctionCode = %#02x, want %#02x", resp.FunctionCode, FuncReadHolding)
	}
	if resp.ExceptionCode != ExIllegalAddress {
		t.Errorf("ExceptionCode = %#02x, want %#02x", resp.ExceptionCode, ExIllegalAddress)
	}
	if !resp.CRCValid {
		t.Error("CRCValid = false, want true")
	}
}

func TestParseBadCRC(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x02, 0x00, 0xC8, 0xFF, 0xFF}

	resp, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v, bad CRC must still parse", err)
	}
	if resp.CRCValid {
		t.Error("CRCValid = true, want false")
	}
}

func TestParseWriteSingleEcho(t *testing.T) {
	frame := withCRC([]byte{0x01, 0x06, 0x10, 0x01, 0x00, 0xC8})

	resp, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.FunctionCode != FuncWriteSingle {
		t.Errorf("FunctionCode = %#02x, want %#02x", resp.FunctionCode, FuncWriteSingle)
	}
	if resp.IsException {
		t.Error("IsException = true, want false")
	}
	// Write echoes carry register and value as raw data.
	if len(resp.Data) != 4 {
		t.Errorf("len(Data) = %d, want 4", len(resp.Data))
	}
}

func TestParseStructuralRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "nil", frame: nil},
		{name: "three bytes", frame: []byte{0x01, 0x03, 0xFF}},
		{name: "four bytes", frame: []byte{0x01, 0x03, 0x00, 0xFF}},
		{name: "byte count overruns frame", frame: withCRC([]byte{0x01, 0x03, 0x09, 0x00, 0xC8})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseResponse(tt.frame); err == nil {
				t.Errorf("ParseResponse(% x) = nil error, want structural error", tt.frame)
			}
		})
	}
}

func TestExtractRegisters(t *testing.T) {
	resp := Response{
		FunctionCode: FuncReadHolding,
		Data:         []byte{0x00, 0xC8, 0x01, 0x90},
	}

	values, err := ExtractRegisters(resp, 4)
	if err != nil {
		t.Fatalf("ExtractRegisters() error = %v", err)
	}
	if len(values) != 2 || values[0] != 200 || values[1] != 400 {
		t.Errorf("values = %v, want [200 400]", values)
	}
}

func TestExtractRegistersRejections(t *testing.T) {
	exception := Response{FunctionCode: FuncReadHolding, IsException: true}
	if _, err := ExtractRegisters(exception, 4); !errors.Is(err, ErrExceptionResponse) {
		t.Errorf("exception error = %v, want ErrExceptionResponse", err)
	}

	wrongFC := Response{FunctionCode: FuncWriteSingle}
	if _, err := ExtractRegisters(wrongFC, 4); !errors.Is(err, ErrNotReadResponse) {
		t.Errorf("wrong FC error = %v, want ErrNotReadResponse", err)
	}

	odd := Response{FunctionCode: FuncReadHolding, Data: []byte{0x00, 0xC8, 0x01}}
	if _, err := ExtractRegisters(odd, 4); err == nil {
		t.Error("odd data length must be rejected")
	}
}

func TestExtractRegistersHonorsCap(t *testing.T) {
	resp := Response{
		FunctionCode: FuncReadHolding,
		Data:         []byte{0x00, 0xC8, 0x01, 0x90},
	}

	values, err := ExtractRegisters(resp, 1)
	if err != nil {
		t.Fatalf("ExtractRegisters() error = %v", err)
	}
	if len(values) != 1 || values[0] != 200 {
		t.Errorf("values = %v, want [200]", values)
	}
}

func TestExpectedResponseLen(t *testing.T) {
	tests := []struct {
		fc       uint8
		regCount uint16
		want     int
	}{
		{FuncReadHolding, 1, 7},
		{FuncReadHolding, 5, 15},
		{FuncWriteSingle, 0, 8},
		{FuncWriteMultiple, 0, 8},
		{0x2B, 0, 0},
	}

	for _, tt := range tests {
		got := ExpectedResponseLen(tt.fc, tt.regCount)
		if got != tt.want {
			t.Errorf("ExpectedResponseLen(%#02x, %d) = %d, want %d", tt.fc, tt.regCount, got, tt.want)
		}
	}
}

func TestReadHoldingRoundTrip(t *testing.T) {
	req, err := BuildReadHolding(1, 0x1000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(req) != 8 {
		t.Fatalf("request length = %d, want 8", len(req))
	}

	// Simulated slave reply: 2 registers, 500 and 1000.
	reply := withCRC([]byte{0x01, 0x03, 0x04, 0x01, 0xF4, 0x03, 0xE8})
	if len(reply) != ExpectedResponseLen(FuncReadHolding, 2) {
		t.Fatalf("synthetic reply is %d bytes, expected length says %d", len(reply), ExpectedResponseLen(FuncReadHolding, 2))
	}

	parsed, err := ParseResponse(reply)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !parsed.CRCValid {
		t.Fatal("CRCValid = false, want true")
	}

	values, err := ExtractRegisters(parsed, 4)
	if err != nil {
		t.Fatalf("ExtractRegisters() error = %v", err)
	}
	if len(values) != 2 || values[0] != 500 || values[1] != 1000 {
		t.Errorf("values = %v, want [500 1000]", values)
	}
}
