// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/config"
	"github.com/vacworks/stationd/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before the
// station loop starts.
func PerformStartupChecks(cfg config.Settings) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkListenAddr(logger, "broker", cfg.BrokerAddr); err != nil {
		return fmt.Errorf("broker address check failed: %w", err)
	}
	if err := checkListenAddr(logger, "ops", cfg.OpsListen); err != nil {
		return fmt.Errorf("ops listen address check failed: %w", err)
	}
	if err := checkDeviceFile(logger, cfg.DeviceFile); err != nil {
		return fmt.Errorf("device file check failed: %w", err)
	}
	if err := checkFirmwareTarget(logger, cfg.FirmwareTarget); err != nil {
		return fmt.Errorf("firmware target check failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, role, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s address is empty", role)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s address %q: %w", role, addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid %s port %q in %q", role, port, addr)
	}
	logger.Info().Str("addr", addr).Msgf("✓ %s address is valid", role)
	return nil
}

func checkDeviceFile(logger zerolog.Logger, path string) error {
	if path == "" {
		logger.Warn().Msg("device table not configured; station serves no instruments")
		return nil
	}
	if err := checkFileReadable(path); err != nil {
		return fmt.Errorf("device table %q not readable: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("✓ Device table is readable")
	return nil
}

// checkFirmwareTarget verifies the directory holding the firmware image is
// writable, since staged updates land there via an atomic rename.
func checkFirmwareTarget(logger zerolog.Logger, target string) error {
	if target == "" {
		logger.Info().Msg("firmware target not configured; update requests will be refused")
		return nil
	}
	dir := filepath.Dir(target)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	// Check write permissions by creating a temp file
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("target", target).Msg("✓ Firmware target directory is writable")
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config; verifying readability is expected
	if err != nil {
		return err
	}
	return f.Close()
}
