// SPDX-License-Identifier: MIT

// Package metrics exposes the station's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_commands_processed_total",
		Help: "Total number of requests answered with a response on the reply stream",
	})

	CommandsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_commands_failed_total",
		Help: "Total number of inbound messages dropped before a response could be delivered",
	}, []string{"reason"})

	QueueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_queue_drops_total",
		Help: "Total number of inbound messages dropped because the command queue was full",
	})

	BrokerReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_broker_reconnects_total",
		Help: "Total number of broker session reconnects after the initial connect",
	}, []string{"session"})

	HeartbeatsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_heartbeats_published_total",
		Help: "Total number of heartbeat envelopes published",
	})

	OTAAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stationd_ota_attempts_total",
		Help: "Total number of firmware update attempts started",
	})

	OTAFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_ota_failures_total",
		Help: "Total number of firmware update attempts that ended in a failure state",
	}, []string{"code"})

	DeviceTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stationd_device_transactions_total",
		Help: "Total number of wire transactions per device and outcome",
	}, []string{"device", "outcome"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stationd_queue_depth",
		Help: "Number of messages currently buffered in the command queue",
	})
)

// IncCommandFailed records a failed command with a stable reason code.
func IncCommandFailed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	CommandsFailedTotal.WithLabelValues(reason).Inc()
}

// IncReconnect records a reconnect of the named broker session.
func IncReconnect(session string) {
	if session == "" {
		session = "unknown"
	}
	BrokerReconnectsTotal.WithLabelValues(session).Inc()
}

// IncOTAFailure records a terminal firmware update failure.
func IncOTAFailure(code string) {
	if code == "" {
		code = "unknown"
	}
	OTAFailuresTotal.WithLabelValues(code).Inc()
}

// IncDeviceTransaction records one wire transaction outcome for a device.
func IncDeviceTransaction(device, outcome string) {
	if device == "" {
		device = "unknown"
	}
	DeviceTransactionsTotal.WithLabelValues(device, outcome).Inc()
}
