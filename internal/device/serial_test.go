// SPDX-License-Identifier: MIT

package device

import "testing"

func TestParseSerialMode(t *testing.T) {
	cases := []struct {
		in   string
		want SerialMode
	}{
		{"2400-7E1", SerialMode{2400, 7, 'E', 1}},
		{"9600-8N1", SerialMode{9600, 8, 'N', 1}},
		{"115200-8N1", SerialMode{115200, 8, 'N', 1}},
		{"19200-8O2", SerialMode{19200, 8, 'O', 2}},
	}
	for _, tc := range cases {
		got, err := ParseSerialMode(tc.in)
		if err != nil {
			t.Errorf("ParseSerialMode(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSerialMode(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.in {
			t.Errorf("round trip of %q gave %q", tc.in, got.String())
		}
	}
}

func TestParseSerialModeRejects(t *testing.T) {
	bad := []string{
		"",
		"9600",       // no dash
		"-8N1",       // empty baud
		"0-8N1",      // zero baud
		"abc-8N1",    // non-numeric baud
		"9600-9N1",   // data bits out of range
		"9600-4N1",   // data bits out of range
		"9600-8X1",   // unknown parity
		"9600-8N3",   // stop bits out of range
		"9600-8N",    // mode too short
		"9600-8N11",  // mode too long
		"9600-8n1",   // lower-case parity
	}
	for _, in := range bad {
		if _, err := ParseSerialMode(in); err == nil {
			t.Errorf("ParseSerialMode(%q) accepted invalid input", in)
		}
	}
}

func TestProtocolDefaultModes(t *testing.T) {
	if CTIMode.String() != "2400-7E1" {
		t.Errorf("CTI default = %s", CTIMode)
	}
	if ModbusMode.String() != "9600-8N1" {
		t.Errorf("modbus default = %s", ModbusMode)
	}
	if ASCIIMode.String() != "115200-8N1" {
		t.Errorf("ascii default = %s", ASCIIMode)
	}
}
