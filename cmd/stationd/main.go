// SPDX-License-Identifier: MIT

// stationd is the station-side control daemon. It holds the broker sessions,
// serves controller command requests against the attached instruments,
// publishes presence and heartbeats, stages firmware updates and exposes a
// diagnostics endpoint for fleet supervision.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vacworks/stationd/internal/config"
	"github.com/vacworks/stationd/internal/device"
	"github.com/vacworks/stationd/internal/dispatch"
	"github.com/vacworks/stationd/internal/envelope"
	"github.com/vacworks/stationd/internal/health"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/ops"
	"github.com/vacworks/stationd/internal/ota"
	"github.com/vacworks/stationd/internal/registry"
	"github.com/vacworks/stationd/internal/resp"
	"github.com/vacworks/stationd/internal/station"
	"github.com/vacworks/stationd/internal/version"
)

// deviceDialTimeout bounds the startup connection attempt per instrument.
const deviceDialTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stationd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg := config.FromEnv()

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.Service,
		Version: version.Version,
	})
	logger := log.WithComponent("stationd")

	// Create a context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.invalid").
			Msg("invalid configuration")
	}

	// -------------------------------------------------------------------------
	// Pre-flight Checks (Fail Fast)
	// -------------------------------------------------------------------------
	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "devices.load_failed").
			Str("path", cfg.DeviceFile).
			Msg("failed to load device table")
	}

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str(log.FieldInstance, cfg.Instance).
		Msg("starting stationd")

	// Log key configuration
	logger.Info().Msgf("→ Broker: %s (auth: %v)", cfg.BrokerAddr, cfg.BrokerUsername != "")
	logger.Info().Msgf("→ Instance: %s (stream: %s)", cfg.Instance, cfg.CommandStream())
	logger.Info().Msgf("→ Devices: %d configured", reg.Len())
	logger.Info().Msgf("→ Heartbeat: every %s (presence TTL %s)", cfg.HeartbeatInterval, cfg.PresenceTTL)
	if cfg.FirmwareTarget != "" {
		logger.Info().Msgf("→ Firmware target: %s", cfg.FirmwareTarget)
	} else {
		logger.Warn().Msg("→ Firmware target: NOT configured (update requests will be refused)")
	}
	logger.Info().Msgf("→ Ops endpoint: %s", cfg.OpsListen)

	// Broker sessions. The loop owns all of them; they are built here so the
	// dispatcher can append responses on the same session the station writes
	// presence and heartbeats with.
	brokerCfg := resp.Config{
		Addr:     cfg.BrokerAddr,
		Username: cfg.BrokerUsername,
		Password: cfg.BrokerPassword,
	}
	readSession := resp.New(brokerCfg)
	writeSession := resp.New(brokerCfg)
	var estopSession *resp.Client
	if cfg.EStopEnabled {
		estopSession = resp.New(brokerCfg)
	}

	executors := dialExecutors(logger, reg)

	// The update controller exists only with a firmware target; the
	// dispatcher refuses update requests otherwise.
	var updater *ota.Controller
	if cfg.FirmwareTarget != "" {
		updater, err = ota.New(ota.Config{
			CurrentVersion: version.Version,
			Fetcher:        ota.NewHTTPFetcher(),
			Writer:         ota.NewHostImageWriter(cfg.FirmwareTarget),
			Reboot: func() {
				logger.Info().
					Str(log.FieldEvent, "ota.restart").
					Msg("restarting into staged image")
				os.Exit(0)
			},
		})
		if err != nil {
			logger.Fatal().
				Err(err).
				Str(log.FieldEvent, "ota.init_failed").
				Msg("failed to build update controller")
		}
	}

	dispatchCfg := dispatch.Config{
		Source: envelope.Source{
			Service:  cfg.Service,
			Instance: cfg.Instance,
			Version:  version.Version,
		},
		Registry:  reg,
		Appender:  writeSession,
		Executors: executors,
	}
	if updater != nil {
		dispatchCfg.Updater = updater
	}
	dispatcher, err := dispatch.New(dispatchCfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "dispatch.init_failed").
			Msg("failed to build dispatcher")
	}

	st, err := station.New(station.Config{
		Settings: cfg,
		Registry: reg,
		Handler:  dispatcher,
		Read:     readSession,
		Write:    writeSession,
		EStop:    estopSession,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "station.init_failed").
			Msg("failed to build station")
	}

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewBrokerChecker(st.Ready))
	healthMgr.RegisterChecker(health.NewFileChecker("device_table", cfg.DeviceFile))
	opsCfg := ops.Config{
		Listen:  cfg.OpsListen,
		Health:  healthMgr,
		Station: st.Snapshot,
	}
	if updater != nil {
		healthMgr.RegisterChecker(health.NewUpdateChecker(updater.Snapshot))
		opsCfg.Update = updater.Snapshot
	}
	opsSrv, err := ops.New(opsCfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "ops.init_failed").
			Msg("failed to build ops endpoint")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return opsSrv.Run(ctx)
	})
	g.Go(func() error {
		return st.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "shutdown.error").
			Msg("stationd exited with error")
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "shutdown").Msg("stationd stopped")
}

// loadRegistry builds the device table; an unset device file means the
// station runs without instruments and answers device_not_found.
func loadRegistry(cfg config.Settings) (*registry.Registry, error) {
	if cfg.DeviceFile == "" {
		return registry.New(nil), nil
	}
	devices, err := config.LoadDevices(cfg.DeviceFile)
	if err != nil {
		return nil, err
	}
	infos := make([]registry.DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = registry.DeviceInfo{
			DeviceID: d.DeviceID,
			Host:     d.Host,
			Port:     d.Port,
			Protocol: d.Protocol,
		}
	}
	return registry.New(infos), nil
}

// dialExecutors opens transaction ports for the CTI instruments. A device
// that cannot be reached stays in the registry and is answered
// device_unavailable until the next restart.
func dialExecutors(logger zerolog.Logger, reg *registry.Registry) map[string]dispatch.Executor {
	executors := make(map[string]dispatch.Executor)
	for _, d := range reg.Devices() {
		if d.Protocol != registry.ProtocolCTI {
			continue
		}
		addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		conn, err := net.DialTimeout("tcp", addr, deviceDialTimeout)
		if err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "device.dial_failed").
				Str(log.FieldDevice, d.DeviceID).
				Str("addr", addr).
				Msg("instrument unreachable, reporting device_unavailable")
			continue
		}
		executors[d.DeviceID] = device.NewCTI(d.DeviceID, device.NewTCPPort(conn))
		logger.Info().
			Str(log.FieldEvent, "device.connected").
			Str(log.FieldDevice, d.DeviceID).
			Str("addr", addr).
			Msg("instrument port open")
	}
	return executors
}
