// SPDX-License-Identifier: MIT

package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vacworks/stationd/internal/cti"
)

// pumpReply builds a response line as the port delivers it: full frame with
// a valid checksum, terminator already stripped.
func pumpReply(code byte, data string) string {
	content := string(code) + data
	return "$" + content + string(cti.Checksum([]byte(content)))
}

func TestCTIDeviceExecute(t *testing.T) {
	port := &fakePort{lines: []string{pumpReply('A', "39")}}
	dev := NewCTI("cryo-1", port)

	data, err := dev.Execute("S1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if data != "39" {
		t.Errorf("data = %q, want %q", data, "39")
	}

	wantFrame, _ := cti.BuildFrame("S1")
	if len(port.sent) != 1 || !bytes.Equal(port.sent[0], []byte(wantFrame)) {
		t.Errorf("sent %q, want %q", port.sent, wantFrame)
	}
	if port.drains != 1 {
		t.Errorf("drains = %d, want stale input drained once", port.drains)
	}
	if dev.Transactions() != 1 || dev.Errors() != 0 {
		t.Errorf("counters = %d/%d, want 1/0", dev.Transactions(), dev.Errors())
	}
}

func TestCTIDeviceRefusedCommand(t *testing.T) {
	port := &fakePort{lines: []string{pumpReply('E', "")}}
	dev := NewCTI("cryo-1", port)

	_, err := dev.Execute("A1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Code != cti.CodeInvalidCommand {
		t.Errorf("code = %v, want invalid_command", statusErr.Code)
	}
	if statusErr.Error() != "ERR:E" {
		t.Errorf("message = %q, want the ERR:<code> form", statusErr.Error())
	}

	// A refused command is still a completed transaction, not a link error.
	if dev.Transactions() != 1 || dev.Errors() != 0 {
		t.Errorf("counters = %d/%d, want 1/0", dev.Transactions(), dev.Errors())
	}
}

func TestCTIDeviceChecksumMismatch(t *testing.T) {
	reply := pumpReply('A', "39")
	// Corrupt the checksum byte.
	corrupted := reply[:len(reply)-1] + "z"

	port := &fakePort{lines: []string{corrupted}}
	dev := NewCTI("cryo-1", port)

	if _, err := dev.Execute("S1"); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	if dev.Transactions() != 1 || dev.Errors() != 1 {
		t.Errorf("counters = %d/%d, want 1/1", dev.Transactions(), dev.Errors())
	}
}

func TestCTIDeviceReceiveTimeout(t *testing.T) {
	port := &fakePort{}
	dev := NewCTI("cryo-1", port)

	if _, err := dev.Execute("J"); !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("expected receive timeout, got %v", err)
	}
	if dev.Transactions() != 0 || dev.Errors() != 1 {
		t.Errorf("counters = %d/%d, want 0/1", dev.Transactions(), dev.Errors())
	}
}

func TestCTIDeviceEmptyCommand(t *testing.T) {
	port := &fakePort{}
	dev := NewCTI("cryo-1", port)

	if _, err := dev.Execute(""); !errors.Is(err, cti.ErrEmptyCommand) {
		t.Fatalf("expected empty-command error, got %v", err)
	}
	if len(port.sent) != 0 {
		t.Error("nothing should hit the wire for an empty command")
	}
}

func TestCTIDeviceSendFailure(t *testing.T) {
	port := &fakePort{sendErr: errors.New("uart gone")}
	dev := NewCTI("cryo-1", port)

	if _, err := dev.Execute("A0"); err == nil {
		t.Fatal("expected send failure")
	}
	if dev.Errors() != 1 {
		t.Errorf("errors = %d, want 1", dev.Errors())
	}
}

func TestCTIDeviceLastResponse(t *testing.T) {
	port := &fakePort{lines: []string{pumpReply('B', "00")}}
	dev := NewCTI("cryo-1", port)

	data, err := dev.Execute("A?")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if data != "00" {
		t.Errorf("data = %q", data)
	}

	last := dev.LastResponse()
	if last.Code != cti.CodeSuccessPowerFail {
		t.Errorf("last code = %v, want success_power_fail", last.Code)
	}
	if !last.ChecksumValid {
		t.Error("last response should have a valid checksum")
	}
}
