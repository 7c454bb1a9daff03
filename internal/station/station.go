// SPDX-License-Identifier: MIT

// Package station runs the single logical thread of control: one loop that
// keeps the broker sessions alive, announces presence, publishes heartbeats,
// pumps the command stream into the dispatcher and listens for remote
// emergency stops. Everything the loop touches is owned by the loop; other
// goroutines only see it through Snapshot and Ready.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/config"
	"github.com/vacworks/stationd/internal/dispatch"
	"github.com/vacworks/stationd/internal/envelope"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
	"github.com/vacworks/stationd/internal/registry"
	"github.com/vacworks/stationd/internal/resp"
	"github.com/vacworks/stationd/internal/version"
)

// Session labels used in reconnect metrics.
const (
	sessionRead  = "read"
	sessionWrite = "write"
	sessionEStop = "estop"
)

const (
	// presenceValue is what the fleet tooling finds under
	// device:<instance>:alive.
	presenceValue = "running"

	// heartbeatStatus is the steady-state status reported while the loop
	// is serving.
	heartbeatStatus = "running"

	// reconnectPause keeps a dead broker from turning the loop into a busy
	// spin.
	reconnectPause = 500 * time.Millisecond

	// drainBlock is the near-zero block used to pull entries the broker has
	// already buffered without stalling the iteration.
	drainBlock = time.Millisecond

	// estopPoll bounds the per-iteration wait for an emergency stop
	// delivery.
	estopPoll = time.Millisecond
)

// Handler consumes raw inbound messages and tracks delivery counters.
// *dispatch.Dispatcher is the production implementation.
type Handler interface {
	HandleMessage(ctx context.Context, raw string)
	Processed() int64
	Failed() int64
	LastError() string
}

// LinkStatus reports the network link the station rides on. The firmware
// fleet reports WiFi figures; a wired station returns zeros.
type LinkStatus interface {
	RSSI() int
	Reconnects() int
}

// WatchdogStats reports supervisor-level restarts since deployment.
type WatchdogStats interface {
	Resets() int
}

// SafetyHandler receives remote emergency stop notifications.
type SafetyHandler interface {
	EmergencyStop(p envelope.EmergencyStopPayload)
}

// Config wires a Station.
type Config struct {
	Settings config.Settings
	// Registry is the device table reported in heartbeats. Required.
	Registry *registry.Registry
	// Handler dispatches inbound messages. Required.
	Handler Handler
	// Queue buffers raw messages between read and dispatch. Nil builds one
	// from Settings.QueueCapacity.
	Queue *dispatch.Queue

	// Read is the blocking stream session and Write carries presence,
	// heartbeats and dispatched responses; both are required and pass into
	// the loop's ownership. EStop, when non-nil, is the subscribe-only
	// emergency stop session.
	Read  *resp.Client
	Write *resp.Client
	EStop *resp.Client

	// Optional heartbeat collaborators; nil reports zeros.
	Link     LinkStatus
	Watchdog WatchdogStats
	// Safety receives remote e-stops; nil logs and discards them.
	Safety SafetyHandler
}

// Station is the control loop. Construct with New, drive with Run.
type Station struct {
	cfg      config.Settings
	reg      *registry.Registry
	handler  Handler
	queue    *dispatch.Queue
	link     LinkStatus
	watchdog WatchdogStats
	safety   SafetyHandler
	log      zerolog.Logger

	// Broker sessions, owned by the Run goroutine.
	read  *resp.Client
	write *resp.Client
	estop *resp.Client

	started     time.Time
	lastBeat    time.Time
	minFreeHeap int64
	deviceTypes map[string]string

	statusMu  sync.Mutex
	connected bool
	reconnSum int
}

// New builds a Station around already-constructed broker sessions. Nothing
// is dialed until Run.
func New(cfg Config) (*Station, error) {
	if cfg.Registry == nil {
		return nil, errors.New("station: nil registry")
	}
	if cfg.Handler == nil {
		return nil, errors.New("station: nil handler")
	}
	if cfg.Read == nil || cfg.Write == nil {
		return nil, errors.New("station: read and write sessions are required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	queue := cfg.Queue
	if queue == nil {
		queue = dispatch.NewQueue(cfg.Settings.QueueCapacity)
	}

	s := &Station{
		cfg:         cfg.Settings,
		reg:         cfg.Registry,
		handler:     cfg.Handler,
		queue:       queue,
		link:        cfg.Link,
		watchdog:    cfg.Watchdog,
		safety:      cfg.Safety,
		log:         log.WithComponent("station"),
		read:        cfg.Read,
		write:       cfg.Write,
		estop:       cfg.EStop,
		started:     time.Now(),
		deviceTypes: make(map[string]string, cfg.Registry.Len()),
	}
	for _, d := range cfg.Registry.Devices() {
		s.deviceTypes[d.DeviceID] = d.Protocol
	}
	return s, nil
}

// Run drives the loop until ctx is cancelled. It returns ctx.Err() on
// shutdown; broker outages are survived inside the loop, never returned.
func (s *Station) Run(ctx context.Context) error {
	s.log.Info().
		Str(log.FieldInstance, s.cfg.Instance).
		Str("broker", s.cfg.BrokerAddr).
		Str(log.FieldStream, s.cfg.CommandStream()).
		Int("devices", s.reg.Len()).
		Msg("station loop starting")

	defer s.closeSessions()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("station loop stopping")
			return ctx.Err()
		default:
		}
		s.iterate(ctx)
		s.updateStatus()
	}
}

func (s *Station) iterate(ctx context.Context) {
	if !s.ensureSession(ctx, s.write, sessionWrite) || !s.ensureSession(ctx, s.read, sessionRead) {
		s.updateStatus()
		s.sleep(ctx, reconnectPause)
		return
	}

	if now := time.Now(); s.heartbeatDue(now) {
		s.publishHeartbeat(now)
	}

	s.pumpCommands(ctx)

	if s.estop != nil && s.ensureEStop(ctx) {
		s.pollEStop()
	}
}

// ensureSession reconnects a request/reply session if needed.
func (s *Station) ensureSession(ctx context.Context, c *resp.Client, name string) bool {
	if c.Connected() {
		return true
	}
	before := c.Reconnects()
	if err := c.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Str("session", name).Msg("broker connect failed")
		return false
	}
	if c.Reconnects() > before {
		metrics.IncReconnect(name)
		s.log.Info().Str("session", name).Int("count", c.Reconnects()).Msg("broker session reconnected")
	}
	return true
}

// ensureEStop reconnects and resubscribes the emergency stop session.
func (s *Station) ensureEStop(ctx context.Context) bool {
	if s.estop.Connected() {
		return true
	}
	before := s.estop.Reconnects()
	if err := s.estop.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Str("session", sessionEStop).Msg("broker connect failed")
		return false
	}
	if err := s.estop.Subscribe(config.EmergencyStopChannel); err != nil {
		s.log.Warn().Err(err).Str(log.FieldChannel, config.EmergencyStopChannel).Msg("subscribe failed")
		_ = s.estop.Close()
		return false
	}
	if s.estop.Reconnects() > before {
		metrics.IncReconnect(sessionEStop)
	}
	return true
}

func (s *Station) heartbeatDue(now time.Time) bool {
	return s.lastBeat.IsZero() || now.Sub(s.lastBeat) >= s.cfg.HeartbeatInterval
}

// publishHeartbeat refreshes the presence key and publishes one heartbeat
// envelope. The cadence advances even on failure so a flapping broker is
// retried at the normal interval, not hammered.
func (s *Station) publishHeartbeat(now time.Time) {
	s.lastBeat = now

	if err := s.write.SetWithTTL(s.cfg.PresenceKey(), presenceValue, s.cfg.PresenceTTL); err != nil {
		s.sessionError(s.write, sessionWrite, err, "presence refresh failed")
		return
	}

	msg, err := envelope.NewMessage(s.source(), envelope.TypeServiceHeartbeat, s.buildHeartbeat(now))
	if err != nil {
		s.log.Error().Err(err).Msg("heartbeat build failed")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("heartbeat marshal failed")
		return
	}

	if _, err := s.write.Publish(config.HeartbeatChannel, string(data)); err != nil {
		s.sessionError(s.write, sessionWrite, err, "heartbeat publish failed")
		return
	}
	metrics.HeartbeatsPublishedTotal.Inc()
	s.log.Debug().Str(log.FieldChannel, config.HeartbeatChannel).Msg("heartbeat published")
}

// buildHeartbeat aggregates loop counters, collaborator stats and runtime
// memory figures into the wire payload.
func (s *Station) buildHeartbeat(now time.Time) envelope.HeartbeatPayload {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	free := int64(mem.HeapSys - mem.HeapAlloc)
	if s.minFreeHeap == 0 || free < s.minFreeHeap {
		s.minFreeHeap = free
	}

	p := envelope.HeartbeatPayload{
		Status:            heartbeatStatus,
		UptimeSeconds:     int64(now.Sub(s.started).Seconds()),
		Devices:           s.reg.IDs(),
		DeviceTypes:       s.deviceTypes,
		FreeHeap:          free,
		MinFreeHeap:       s.minFreeHeap,
		RedisReconnects:   s.sessionReconnects(),
		CommandsProcessed: s.handler.Processed(),
		CommandsFailed:    s.handler.Failed(),
		FirmwareVersion:   version.Version,
	}
	if s.link != nil {
		p.WifiRSSI = s.link.RSSI()
		p.WifiReconnects = s.link.Reconnects()
	}
	if s.watchdog != nil {
		p.WatchdogResets = s.watchdog.Resets()
	}
	if last := s.handler.LastError(); last != "" {
		p.LastError = &last
	}
	return p
}

// pumpCommands reads one entry with the configured block, then drains the
// backlog into the queue and dispatches everything buffered.
func (s *Station) pumpCommands(ctx context.Context) {
	stream := s.cfg.CommandStream()

	_, value, ok, err := s.read.ReadStream(stream, s.cfg.ReadBlock)
	if err != nil {
		s.sessionError(s.read, sessionRead, err, "command stream read failed")
		return
	}
	if ok {
		if s.queue.Push(value) {
			for {
				_, value, ok, err = s.read.ReadStream(stream, drainBlock)
				if err != nil {
					s.sessionError(s.read, sessionRead, err, "command stream drain failed")
					break
				}
				if !ok {
					break
				}
				if !s.queue.Push(value) {
					s.log.Warn().Int("depth", s.queue.Len()).Msg("command queue full, message dropped")
					break
				}
			}
		} else {
			s.log.Warn().Int("depth", s.queue.Len()).Msg("command queue full, message dropped")
		}
	}

	for {
		raw, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.handler.HandleMessage(ctx, raw)
	}
}

// pollEStop waits briefly for a published emergency stop and forwards it.
func (s *Station) pollEStop() {
	payload, ok, err := s.estop.ReadMessage(estopPoll)
	if err != nil {
		s.sessionError(s.estop, sessionEStop, err, "emergency stop read failed")
		return
	}
	if !ok {
		return
	}

	msg, err := envelope.Parse([]byte(payload))
	if err != nil {
		s.log.Warn().Err(err).Msg("undecodable emergency stop message")
		return
	}
	if msg.Envelope.Type != envelope.TypeSystemEmergencyStop {
		s.log.Warn().Str("type", msg.Envelope.Type).Msg("unexpected message on emergency stop channel")
		return
	}
	p, err := envelope.ParseEmergencyStop(msg)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed emergency stop payload")
		return
	}

	s.log.Warn().
		Str("reason", p.Reason).
		Str("initiator", p.Initiator).
		Msg("emergency stop received")
	if s.safety != nil {
		s.safety.EmergencyStop(*p)
	}
}

// sessionError logs a failed broker call and drops the connection unless the
// broker itself answered with an error, which leaves the session healthy.
func (s *Station) sessionError(c *resp.Client, name string, err error, msg string) {
	s.log.Warn().Err(err).Str("session", name).Msg(msg)
	var se resp.ServerError
	if errors.As(err, &se) {
		return
	}
	_ = c.Close()
}

func (s *Station) sessionReconnects() int {
	n := s.read.Reconnects() + s.write.Reconnects()
	if s.estop != nil {
		n += s.estop.Reconnects()
	}
	return n
}

func (s *Station) closeSessions() {
	_ = s.read.Close()
	_ = s.write.Close()
	if s.estop != nil {
		_ = s.estop.Close()
	}
}

func (s *Station) updateStatus() {
	connected := s.read.Connected() && s.write.Connected()
	reconn := s.sessionReconnects()
	s.statusMu.Lock()
	s.connected = connected
	s.reconnSum = reconn
	s.statusMu.Unlock()
}

// Ready reports whether both core broker sessions are up. Served on the
// readiness endpoint.
func (s *Station) Ready() bool {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.connected
}

// Snapshot is the station view served on the status endpoint.
type Snapshot struct {
	Instance          string   `json:"instance"`
	Version           string   `json:"version"`
	UptimeSeconds     int64    `json:"uptime_seconds"`
	BrokerConnected   bool     `json:"broker_connected"`
	BrokerReconnects  int      `json:"broker_reconnects"`
	Devices           []string `json:"devices"`
	QueueDepth        int      `json:"queue_depth"`
	QueueDrops        int64    `json:"queue_drops"`
	CommandsProcessed int64    `json:"commands_processed"`
	CommandsFailed    int64    `json:"commands_failed"`
	LastError         string   `json:"last_error,omitempty"`
}

// Snapshot returns a point-in-time station view, safe to call from any
// goroutine.
func (s *Station) Snapshot() Snapshot {
	s.statusMu.Lock()
	connected, reconn := s.connected, s.reconnSum
	s.statusMu.Unlock()

	return Snapshot{
		Instance:          s.cfg.Instance,
		Version:           version.Version,
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		BrokerConnected:   connected,
		BrokerReconnects:  reconn,
		Devices:           s.reg.IDs(),
		QueueDepth:        s.queue.Len(),
		QueueDrops:        s.queue.Drops(),
		CommandsProcessed: s.handler.Processed(),
		CommandsFailed:    s.handler.Failed(),
		LastError:         s.handler.LastError(),
	}
}

func (s *Station) source() envelope.Source {
	return envelope.Source{
		Service:  s.cfg.Service,
		Instance: s.cfg.Instance,
		Version:  version.Version,
	}
}

// sleep waits for d or until ctx is cancelled.
func (s *Station) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
