// SPDX-License-Identifier: MIT

// Package registry holds the station's device table: which instruments hang
// off this station and how to reach them. The table is built once at startup
// and never mutated, so it is safe for concurrent readers.
package registry

// Wire protocol families a device can speak.
const (
	ProtocolSCPI   = "scpi"
	ProtocolModbus = "modbus"
	ProtocolCTI    = "cti"
)

// DeviceInfo describes one instrument attached to the station.
type DeviceInfo struct {
	DeviceID string
	Host     string
	Port     int
	Protocol string
}

// Registry is the immutable device table.
type Registry struct {
	devices []DeviceInfo
	byID    map[string]DeviceInfo
}

// New builds a registry from the given devices. Device IDs are expected to
// be unique; the config loader enforces this before construction.
func New(devices []DeviceInfo) *Registry {
	r := &Registry{
		devices: make([]DeviceInfo, len(devices)),
		byID:    make(map[string]DeviceInfo, len(devices)),
	}
	copy(r.devices, devices)
	for _, d := range r.devices {
		r.byID[d.DeviceID] = d
	}
	return r
}

// Lookup finds a device by its exact ID.
func (r *Registry) Lookup(deviceID string) (DeviceInfo, bool) {
	d, ok := r.byID[deviceID]
	return d, ok
}

// Devices returns all devices in registration order.
func (r *Registry) Devices() []DeviceInfo {
	out := make([]DeviceInfo, len(r.devices))
	copy(out, r.devices)
	return out
}

// IDs returns all device IDs in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.devices))
	for i, d := range r.devices {
		ids[i] = d.DeviceID
	}
	return ids
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.devices)
}
