// SPDX-License-Identifier: MIT

package envelope

import (
	"fmt"
	"regexp"
)

// Compiled regex patterns matching the JSON schema definitions.
var (
	uuidV4Pattern   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	servicePattern  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	instancePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	versionPattern  = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
	replyToPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_:/-]*$`)
)

// validTypes is a set for fast type lookup.
var validTypes = func() map[string]bool {
	m := make(map[string]bool, len(ValidMessageTypes))
	for _, t := range ValidMessageTypes {
		m[t] = true
	}
	return m
}()

// requestTypes require both correlation_id and reply_to.
var requestTypes = map[string]bool{
	TypeDeviceCommandRequest: true,
	TypeSystemOTARequest:     true,
}

// responseTypes require correlation_id.
var responseTypes = map[string]bool{
	TypeDeviceCommandResponse: true,
}

// ValidType reports whether t is one of the known message types.
func ValidType(t string) bool {
	return validTypes[t]
}

// Validate checks a Message against the protocol rules.
func Validate(msg *Message) error {
	env := msg.Envelope

	if !uuidV4Pattern.MatchString(env.ID) {
		return fmt.Errorf("invalid id: must be UUIDv4 format, got %q", env.ID)
	}

	if env.Timestamp < 0 {
		return fmt.Errorf("invalid timestamp: must be >= 0, got %d", env.Timestamp)
	}

	if err := validateSource(env.Source); err != nil {
		return err
	}

	if env.SchemaVersion != SchemaVersion {
		return fmt.Errorf("invalid schema_version: must be %q, got %q", SchemaVersion, env.SchemaVersion)
	}

	if !validTypes[env.Type] {
		return fmt.Errorf("invalid type: %q is not a valid message type", env.Type)
	}

	if env.CorrelationID != "" {
		if !uuidV4Pattern.MatchString(env.CorrelationID) {
			return fmt.Errorf("invalid correlation_id: must be UUIDv4 format, got %q", env.CorrelationID)
		}
	}

	if env.ReplyTo != "" {
		if !replyToPattern.MatchString(env.ReplyTo) {
			return fmt.Errorf("invalid reply_to: must match pattern %q, got %q", replyToPattern.String(), env.ReplyTo)
		}
	}

	// Request types require a full reply path.
	if requestTypes[env.Type] {
		if env.CorrelationID == "" {
			return fmt.Errorf("missing correlation_id: required for type %q", env.Type)
		}
		if env.ReplyTo == "" {
			return fmt.Errorf("missing reply_to: required for type %q", env.Type)
		}
	}

	if responseTypes[env.Type] {
		if env.CorrelationID == "" {
			return fmt.Errorf("missing correlation_id: required for type %q", env.Type)
		}
	}

	return nil
}

func validateSource(src Source) error {
	if src.Service == "" || len(src.Service) > 64 || !servicePattern.MatchString(src.Service) {
		return fmt.Errorf("invalid source.service: must match pattern %q (1-64 chars), got %q", servicePattern.String(), src.Service)
	}
	if src.Instance == "" || len(src.Instance) > 64 || !instancePattern.MatchString(src.Instance) {
		return fmt.Errorf("invalid source.instance: must match pattern %q (1-64 chars), got %q", instancePattern.String(), src.Instance)
	}
	if !versionPattern.MatchString(src.Version) {
		return fmt.Errorf("invalid source.version: must be semver format, got %q", src.Version)
	}
	return nil
}
