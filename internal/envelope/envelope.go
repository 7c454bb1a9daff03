// SPDX-License-Identifier: MIT

// Package envelope implements the JSON message schema shared with the
// controller services: a routing envelope wrapping a type-specific payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants.
const (
	TypeDeviceCommandRequest  = "device.command.request"
	TypeDeviceCommandResponse = "device.command.response"
	TypeServiceHeartbeat      = "service.heartbeat"
	TypeSystemEmergencyStop   = "system.emergency_stop"
	TypeSystemOTARequest      = "system.ota.request"
)

// ValidMessageTypes lists all valid message types.
var ValidMessageTypes = []string{
	TypeDeviceCommandRequest,
	TypeDeviceCommandResponse,
	TypeServiceHeartbeat,
	TypeSystemEmergencyStop,
	TypeSystemOTARequest,
}

// SchemaVersion is the current protocol version. Producers stamp it verbatim
// and consumers reject anything else.
const SchemaVersion = "v1.0.0"

// DefaultCommandTimeoutMs applies when a command request omits timeout_ms.
const DefaultCommandTimeoutMs = 5000

// Message is the top-level protocol message containing an envelope and payload.
type Message struct {
	Envelope Envelope        `json:"envelope"`
	Payload  json.RawMessage `json:"payload"`
}

// Envelope contains message metadata and routing information.
type Envelope struct {
	ID            string `json:"id"`
	Timestamp     int64  `json:"timestamp"`
	Source        Source `json:"source"`
	SchemaVersion string `json:"schema_version"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// Source identifies who sent a message.
type Source struct {
	Service  string `json:"service"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// Error is the standard error object carried in response payloads.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HeartbeatPayload is the service.heartbeat payload. The station always
// emits every field; last_error is an explicit null when no error is held.
type HeartbeatPayload struct {
	Status            string            `json:"status"`
	UptimeSeconds     int64             `json:"uptime_seconds"`
	Devices           []string          `json:"devices"`
	DeviceTypes       map[string]string `json:"device_types,omitempty"`
	FreeHeap          int64             `json:"free_heap"`
	MinFreeHeap       int64             `json:"min_free_heap"`
	WifiRSSI          int               `json:"wifi_rssi"`
	WifiReconnects    int               `json:"wifi_reconnects"`
	RedisReconnects   int               `json:"redis_reconnects"`
	CommandsProcessed int64             `json:"commands_processed"`
	CommandsFailed    int64             `json:"commands_failed"`
	LastError         *string           `json:"last_error"`
	WatchdogResets    int               `json:"watchdog_resets"`
	FirmwareVersion   string            `json:"firmware_version"`
}

// CommandRequestPayload is the device.command.request payload.
type CommandRequestPayload struct {
	DeviceID    string            `json:"device_id"`
	CommandName string            `json:"command_name"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	TimeoutMs   *int              `json:"timeout_ms,omitempty"`
}

// Timeout returns the effective command timeout.
func (p CommandRequestPayload) Timeout() time.Duration {
	ms := DefaultCommandTimeoutMs
	if p.TimeoutMs != nil {
		ms = *p.TimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// CommandResponsePayload is the device.command.response payload. The
// response and error keys are always serialized; exactly one is non-null,
// selected by success.
type CommandResponsePayload struct {
	DeviceID    string  `json:"device_id"`
	CommandName string  `json:"command_name"`
	Success     bool    `json:"success"`
	Response    *string `json:"response"`
	Error       *Error  `json:"error"`
	DurationMs  int64   `json:"duration_ms"`
}

// EmergencyStopPayload is the system.emergency_stop payload.
type EmergencyStopPayload struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
	Initiator   string `json:"initiator,omitempty"`
}

// OTARequestPayload is the system.ota.request payload.
type OTARequestPayload struct {
	FirmwareURL string `json:"firmware_url"`
	Version     string `json:"version"`
	SHA256      string `json:"sha256"`
	Force       *bool  `json:"force,omitempty"`
}

// Forced reports whether the request bypasses the version gate.
func (p OTARequestPayload) Forced() bool {
	return p.Force != nil && *p.Force
}

// NewEnvelope creates a new envelope with a generated UUIDv4 and current UTC
// timestamp.
func NewEnvelope(source Source, msgType string) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC().Unix(),
		Source:        source,
		SchemaVersion: SchemaVersion,
		Type:          msgType,
	}
}

// NewMessage builds a complete message with envelope and marshaled payload.
func NewMessage(source Source, msgType string, payload any) (*Message, error) {
	env := NewEnvelope(source, msgType)

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return &Message{
		Envelope: env,
		Payload:  json.RawMessage(payloadBytes),
	}, nil
}

// NewCommandSuccess builds a success response payload with the error key
// explicitly null.
func NewCommandSuccess(deviceID, commandName, response string, duration time.Duration) CommandResponsePayload {
	return CommandResponsePayload{
		DeviceID:    deviceID,
		CommandName: commandName,
		Success:     true,
		Response:    &response,
		DurationMs:  duration.Milliseconds(),
	}
}

// NewCommandError builds an error response payload with the response key
// explicitly null.
func NewCommandError(deviceID, commandName, code, message string, duration time.Duration) CommandResponsePayload {
	return CommandResponsePayload{
		DeviceID:    deviceID,
		CommandName: commandName,
		Success:     false,
		Error:       &Error{Code: code, Message: message},
		DurationMs:  duration.Milliseconds(),
	}
}

// Parse unmarshals JSON bytes into a Message and validates the envelope.
// There is no partial result: a message that fails any envelope rule is
// rejected outright.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if err := Validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseHeartbeat extracts a HeartbeatPayload from a Message.
func ParseHeartbeat(msg *Message) (*HeartbeatPayload, error) {
	var p HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse heartbeat payload: %w", err)
	}
	return &p, nil
}

// ParseCommandRequest extracts a CommandRequestPayload from a Message and
// applies the timeout default.
func ParseCommandRequest(msg *Message) (*CommandRequestPayload, error) {
	var p CommandRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse command request payload: %w", err)
	}
	if p.TimeoutMs == nil {
		def := DefaultCommandTimeoutMs
		p.TimeoutMs = &def
	}
	return &p, nil
}

// ParseCommandResponse extracts a CommandResponsePayload from a Message.
func ParseCommandResponse(msg *Message) (*CommandResponsePayload, error) {
	var p CommandResponsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse command response payload: %w", err)
	}
	return &p, nil
}

// ParseEmergencyStop extracts an EmergencyStopPayload from a Message.
func ParseEmergencyStop(msg *Message) (*EmergencyStopPayload, error) {
	var p EmergencyStopPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse emergency stop payload: %w", err)
	}
	return &p, nil
}

// ParseOTARequest extracts an OTARequestPayload from a Message.
func ParseOTARequest(msg *Message) (*OTARequestPayload, error) {
	var p OTARequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse OTA request payload: %w", err)
	}
	return &p, nil
}
