// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldMessageID     = "message_id"
	FieldDevice        = "device"
	FieldInstance      = "instance"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldCommand   = "command"
	FieldProtocol  = "protocol"

	// Broker fields
	FieldStream  = "stream"
	FieldChannel = "channel"
	FieldKey     = "key"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
