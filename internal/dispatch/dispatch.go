// SPDX-License-Identifier: MIT

// Package dispatch routes inbound broker messages to device transactions and
// the firmware updater, and appends a correlated response to the reply
// stream each request names. A message without a usable reply path is
// dropped and counted, never guessed at.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/cti"
	"github.com/vacworks/stationd/internal/envelope"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
	"github.com/vacworks/stationd/internal/ota"
	"github.com/vacworks/stationd/internal/registry"
)

// Stable error codes carried in command response payloads.
const (
	CodeDeviceNotFound      = "device_not_found"
	CodeDeviceUnavailable   = "device_unavailable"
	CodeUnknownCommand      = "unknown_command"
	CodeDeviceError         = "device_error"
	CodeUnsupportedProtocol = "unsupported_protocol"
	CodeOTAUnavailable      = "ota_unavailable"
	CodeInvalidPayload      = "invalid_payload"
	// CodeUpdateFailed is the fallback for update failures that carry no
	// terminal code of their own.
	CodeUpdateFailed = "update_failed"
)

// Reasons recorded when a message is dropped without a response.
const (
	ReasonParse      = "parse_error"
	ReasonUnexpected = "unexpected_type"
	ReasonAppend     = "append_failed"
)

// ReplyField is the stream field responses are appended under.
const ReplyField = "message"

// OTACommandName labels firmware update responses, which answer for the
// station itself rather than an attached device.
const OTACommandName = "ota_update"

// Appender writes one field/value entry to a stream and returns its ID.
type Appender interface {
	Append(stream, field, value string) (string, error)
}

// Executor runs one wire command transaction against an attached device.
type Executor interface {
	Execute(wireCmd string) (string, error)
}

// Updater stages firmware updates and restarts into them.
type Updater interface {
	StartUpdate(ctx context.Context, req envelope.OTARequestPayload) error
	Reboot()
}

// Config wires a Dispatcher.
type Config struct {
	// Source stamps outgoing response envelopes.
	Source envelope.Source
	// Registry is the station's device table. Required.
	Registry *registry.Registry
	// Appender delivers responses. Required.
	Appender Appender
	// Executors maps device IDs to their open transaction ports. A CTI
	// device without an entry is reported device_unavailable.
	Executors map[string]Executor
	// Updater handles system.ota.request. Nil means the station has no
	// firmware target and answers ota_unavailable.
	Updater Updater
}

// Dispatcher turns raw stream entries into responses. HandleMessage is
// called from the station loop only; the counters and LastError are safe to
// read from other goroutines for heartbeats and status pages.
type Dispatcher struct {
	source    envelope.Source
	reg       *registry.Registry
	appender  Appender
	executors map[string]Executor
	updater   Updater
	log       zerolog.Logger

	processed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	lastErr string
}

// New builds a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: nil registry")
	}
	if cfg.Appender == nil {
		return nil, errors.New("dispatch: nil appender")
	}
	return &Dispatcher{
		source:    cfg.Source,
		reg:       cfg.Registry,
		appender:  cfg.Appender,
		executors: cfg.Executors,
		updater:   cfg.Updater,
		log:       log.WithComponent("dispatch"),
	}, nil
}

// HandleMessage processes one raw stream entry end to end. Every structurally
// valid request produces exactly one response; everything else is dropped
// with a counted reason.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw string) {
	start := time.Now()

	msg, err := envelope.Parse([]byte(raw))
	if err != nil {
		d.drop(ReasonParse, err, "")
		return
	}

	lg := d.log.With().
		Str(log.FieldMessageID, msg.Envelope.ID).
		Str(log.FieldCorrelationID, msg.Envelope.CorrelationID).
		Logger()

	switch msg.Envelope.Type {
	case envelope.TypeDeviceCommandRequest:
		d.handleCommand(lg, msg, start)
	case envelope.TypeSystemOTARequest:
		d.handleOTA(ctx, lg, msg, start)
	default:
		d.drop(ReasonUnexpected, nil, msg.Envelope.Type)
	}
}

func (d *Dispatcher) handleCommand(lg zerolog.Logger, msg *envelope.Message, start time.Time) {
	req, err := envelope.ParseCommandRequest(msg)
	if err != nil {
		d.respondError(lg, msg, "", "", CodeInvalidPayload, err.Error(), start)
		return
	}

	lg = lg.With().
		Str(log.FieldDevice, req.DeviceID).
		Str(log.FieldCommand, req.CommandName).
		Logger()

	info, ok := d.reg.Lookup(req.DeviceID)
	if !ok {
		d.respondError(lg, msg, req.DeviceID, req.CommandName, CodeDeviceNotFound,
			fmt.Sprintf("device %q is not attached to this station", req.DeviceID), start)
		return
	}

	switch info.Protocol {
	case registry.ProtocolCTI:
		d.runCTI(lg, msg, req, start)
	default:
		// SCPI and Modbus devices are registered for presence reporting but
		// have no remote command path yet.
		d.respondError(lg, msg, req.DeviceID, req.CommandName, CodeUnsupportedProtocol,
			fmt.Sprintf("protocol %q has no dispatch path", info.Protocol), start)
	}
}

func (d *Dispatcher) runCTI(lg zerolog.Logger, msg *envelope.Message, req *envelope.CommandRequestPayload, start time.Time) {
	ex, ok := d.executors[req.DeviceID]
	if !ok || ex == nil {
		d.respondError(lg, msg, req.DeviceID, req.CommandName, CodeDeviceUnavailable,
			fmt.Sprintf("device %q has no open port", req.DeviceID), start)
		return
	}

	wire, ok := cti.WireCommand(req.CommandName)
	if !ok {
		d.respondError(lg, msg, req.DeviceID, req.CommandName, CodeUnknownCommand,
			fmt.Sprintf("command %q has no wire mapping", req.CommandName), start)
		return
	}

	data, err := ex.Execute(wire)
	if err != nil {
		d.respondError(lg, msg, req.DeviceID, req.CommandName, CodeDeviceError, err.Error(), start)
		return
	}

	lg.Info().Dur("duration", time.Since(start)).Msg("command executed")
	d.respond(lg, msg, envelope.NewCommandSuccess(req.DeviceID, req.CommandName, data, time.Since(start)))
}

func (d *Dispatcher) handleOTA(ctx context.Context, lg zerolog.Logger, msg *envelope.Message, start time.Time) {
	if d.updater == nil {
		d.respondError(lg, msg, d.source.Instance, OTACommandName, CodeOTAUnavailable,
			"no firmware update target configured", start)
		return
	}

	req, err := envelope.ParseOTARequest(msg)
	if err != nil {
		d.respondError(lg, msg, d.source.Instance, OTACommandName, CodeInvalidPayload, err.Error(), start)
		return
	}

	if err := d.updater.StartUpdate(ctx, *req); err != nil {
		code, message := CodeUpdateFailed, err.Error()
		var ue *ota.UpdateError
		if errors.As(err, &ue) {
			code, message = ue.Code, ue.Message
		}
		d.respondError(lg, msg, d.source.Instance, OTACommandName, code, message, start)
		return
	}

	// The acknowledgement has to be on the wire before the restart, or the
	// controller never learns the update succeeded.
	d.respond(lg, msg, envelope.NewCommandSuccess(d.source.Instance, OTACommandName,
		fmt.Sprintf("update to %s staged, rebooting", req.Version), time.Since(start)))
	d.updater.Reboot()
}

// respondError records the failure code and answers with an error payload.
func (d *Dispatcher) respondError(lg zerolog.Logger, msg *envelope.Message, deviceID, commandName, code, message string, start time.Time) {
	d.setLastError(code)
	lg.Warn().Str("code", code).Str("detail", message).Msg("request failed")
	d.respond(lg, msg, envelope.NewCommandError(deviceID, commandName, code, message, time.Since(start)))
}

// respond wraps the payload in a response envelope carrying the request's
// correlation ID and appends it to the request's reply stream.
func (d *Dispatcher) respond(lg zerolog.Logger, req *envelope.Message, payload envelope.CommandResponsePayload) {
	out, err := envelope.NewMessage(d.source, envelope.TypeDeviceCommandResponse, payload)
	if err != nil {
		d.drop(ReasonAppend, err, "")
		return
	}
	out.Envelope.CorrelationID = req.Envelope.CorrelationID

	data, err := json.Marshal(out)
	if err != nil {
		d.drop(ReasonAppend, err, "")
		return
	}

	if _, err := d.appender.Append(req.Envelope.ReplyTo, ReplyField, string(data)); err != nil {
		lg.Error().Err(err).Str(log.FieldStream, req.Envelope.ReplyTo).Msg("response append failed")
		d.failed.Add(1)
		metrics.IncCommandFailed(ReasonAppend)
		d.setLastError(ReasonAppend)
		return
	}

	d.processed.Add(1)
	metrics.CommandsProcessedTotal.Inc()
	lg.Debug().
		Str(log.FieldStream, req.Envelope.ReplyTo).
		Bool("success", payload.Success).
		Msg("response delivered")
}

// drop counts a message that produced no response.
func (d *Dispatcher) drop(reason string, err error, msgType string) {
	d.failed.Add(1)
	metrics.IncCommandFailed(reason)
	d.setLastError(reason)

	ev := d.log.Warn().Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	if msgType != "" {
		ev = ev.Str("type", msgType)
	}
	ev.Msg("message dropped")
}

func (d *Dispatcher) setLastError(code string) {
	d.mu.Lock()
	d.lastErr = code
	d.mu.Unlock()
}

// Processed counts responses successfully delivered, including error
// responses.
func (d *Dispatcher) Processed() int64 { return d.processed.Load() }

// Failed counts messages dropped before a response could be delivered.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// LastError returns the most recent failure code, or "" if none has
// occurred since start.
func (d *Dispatcher) LastError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}
