// SPDX-License-Identifier: MIT

// Package config assembles the station runtime settings from environment
// variables and an optional YAML device table. Environment wins over file
// values, file values win over defaults.
package config

import (
	"fmt"
	"time"
)

// Broker keyspace shared with the controller services. The instance name is
// interpolated where marked.
const (
	HeartbeatChannel     = "events:heartbeat"
	EmergencyStopChannel = "events:emergency_stop"
	commandStreamPrefix  = "commands:"     // + instance
	presenceKeyPrefix    = "device:"       // + instance + ":alive"
	presenceKeySuffix    = ":alive"
)

// Defaults mirror the values the station fleet runs with in production.
const (
	DefaultBrokerAddr        = "127.0.0.1:6379"
	DefaultService           = "stationd"
	DefaultInstance          = "station-01"
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultPresenceTTL       = 90 * time.Second
	DefaultReadBlock         = 100 * time.Millisecond
	DefaultQueueCapacity     = 16
	DefaultOpsListen         = ":8090"
)

// Settings is the fully resolved runtime configuration.
type Settings struct {
	// Broker connection
	BrokerAddr     string
	BrokerUsername string
	BrokerPassword string

	// Station identity reported in every envelope
	Service  string
	Instance string

	// Loop cadence
	HeartbeatInterval time.Duration
	PresenceTTL       time.Duration
	ReadBlock         time.Duration
	QueueCapacity     int

	// Emergency stop fan-in from the controller
	EStopEnabled bool

	// Firmware update target; empty disables the OTA handler
	FirmwareTarget string

	// Device table file (YAML); empty means no devices
	DeviceFile string

	// Diagnostics endpoint
	OpsListen string

	LogLevel string
}

// FromEnv resolves all settings from the process environment, applying
// defaults where variables are unset.
func FromEnv() Settings {
	return Settings{
		BrokerAddr:        ParseString("STATION_BROKER_ADDR", DefaultBrokerAddr),
		BrokerUsername:    ParseString("STATION_BROKER_USERNAME", ""),
		BrokerPassword:    ParseString("STATION_BROKER_PASSWORD", ""),
		Service:           ParseString("STATION_SERVICE", DefaultService),
		Instance:          ParseString("STATION_INSTANCE", DefaultInstance),
		HeartbeatInterval: ParseDuration("STATION_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		PresenceTTL:       ParseDuration("STATION_PRESENCE_TTL", DefaultPresenceTTL),
		ReadBlock:         ParseDuration("STATION_READ_BLOCK", DefaultReadBlock),
		QueueCapacity:     ParseInt("STATION_QUEUE_CAPACITY", DefaultQueueCapacity),
		EStopEnabled:      ParseBool("STATION_ESTOP_ENABLED", true),
		FirmwareTarget:    ParseString("STATION_FIRMWARE_TARGET", ""),
		DeviceFile:        ParseString("STATION_DEVICE_FILE", ""),
		OpsListen:         ParseString("STATION_OPS_LISTEN", DefaultOpsListen),
		LogLevel:          ParseString("LOG_LEVEL", "info"),
	}
}

// Validate rejects settings the station cannot run with.
func (s Settings) Validate() error {
	if s.BrokerAddr == "" {
		return fmt.Errorf("broker address must not be empty")
	}
	if s.Instance == "" {
		return fmt.Errorf("instance name must not be empty")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", s.HeartbeatInterval)
	}
	if s.PresenceTTL <= s.HeartbeatInterval {
		return fmt.Errorf("presence TTL %s must exceed heartbeat interval %s", s.PresenceTTL, s.HeartbeatInterval)
	}
	if s.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", s.QueueCapacity)
	}
	return nil
}

// CommandStream returns the stream the controller appends this station's
// command requests to.
func (s Settings) CommandStream() string {
	return commandStreamPrefix + s.Instance
}

// PresenceKey returns the liveness key this station refreshes with a TTL.
func (s Settings) PresenceKey() string {
	return presenceKeyPrefix + s.Instance + presenceKeySuffix
}
