// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device is one entry of the YAML device table.
type Device struct {
	DeviceID string `yaml:"device_id"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

type deviceFile struct {
	Devices []Device `yaml:"devices"`
}

var knownProtocols = map[string]bool{
	"scpi":   true,
	"modbus": true,
	"cti":    true,
}

// LoadDevices reads the device table from path. Unknown YAML keys are
// rejected so a typo in a field name cannot silently drop a device.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}
	return parseDevices(data)
}

func parseDevices(data []byte) ([]Device, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file deviceFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode device file: %w", err)
	}

	seen := make(map[string]bool, len(file.Devices))
	for i := range file.Devices {
		d := &file.Devices[i]
		d.Protocol = strings.ToLower(strings.TrimSpace(d.Protocol))
		if d.DeviceID == "" {
			return nil, fmt.Errorf("device %d: device_id must not be empty", i)
		}
		if seen[d.DeviceID] {
			return nil, fmt.Errorf("device %q: duplicate device_id", d.DeviceID)
		}
		seen[d.DeviceID] = true
		if d.Host == "" {
			return nil, fmt.Errorf("device %q: host must not be empty", d.DeviceID)
		}
		if d.Port < 1 || d.Port > 65535 {
			return nil, fmt.Errorf("device %q: port %d out of range", d.DeviceID, d.Port)
		}
		if !knownProtocols[d.Protocol] {
			return nil, fmt.Errorf("device %q: unknown protocol %q", d.DeviceID, d.Protocol)
		}
	}
	return file.Devices, nil
}
