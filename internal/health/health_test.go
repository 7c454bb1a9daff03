// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacworks/stationd/internal/config"
	"github.com/vacworks/stationd/internal/ota"
)

func TestNewManager(t *testing.T) {
	m := NewManager("v1.2.3")
	assert.NotNil(t, m)
	assert.Equal(t, "v1.2.3", m.version)
	assert.Empty(t, m.checkers)
}

func TestManager_Health_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)
}

func TestManager_Health_WithCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	// Non-verbose: no checks included
	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)

	// Verbose: checks included
	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status) // Overall status degraded
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusHealthy, resp.Checks["healthy"].Status)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManager_Health_Unhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy})

	resp := m.Health(context.Background(), true)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_Ready_NoCheckers(t *testing.T) {
	m := NewManager("v1.0.0")

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestManager_Ready_AllHealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "check1", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "check2", status: StatusHealthy})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestManager_Ready_Degraded(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready) // Degraded is still ready
	assert.Equal(t, StatusDegraded, resp.Status)
}

func TestManager_Ready_Unhealthy(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "unhealthy", status: StatusUnhealthy})

	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready) // Unhealthy = not ready
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_ServeHealth(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "test", status: StatusHealthy})

	// Test without verbose
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp HealthResponse
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks) // Not verbose

	// Test with verbose
	req = httptest.NewRequest(http.MethodGet, "/healthz?verbose=true", nil)
	w = httptest.NewRecorder()
	m.ServeHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	err = json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.NotNil(t, resp.Checks)
	assert.Len(t, resp.Checks, 1)
}

func TestManager_ServeHealth_EncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	// Use a broken ResponseWriter that fails to write
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := &brokenWriter{header: make(http.Header)}

	// Should not panic even if encoding fails
	m.ServeHealth(w, req)
}

func TestManager_ServeReady(t *testing.T) {
	tests := []struct {
		name           string
		checker        Checker
		expectedStatus int
		expectedReady  bool
	}{
		{
			name:           "healthy",
			checker:        &mockChecker{name: "test", status: StatusHealthy},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "degraded",
			checker:        &mockChecker{name: "test", status: StatusDegraded},
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "unhealthy",
			checker:        &mockChecker{name: "test", status: StatusUnhealthy},
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("v1.0.0")
			m.RegisterChecker(tt.checker)

			req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
			w := httptest.NewRecorder()
			m.ServeReady(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp ReadinessResponse
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedReady, resp.Ready)
		})
	}
}

func TestManager_ServeReady_EncodingError(t *testing.T) {
	m := NewManager("v1.0.0")

	// Use a broken ResponseWriter that fails to write
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := &brokenWriter{header: make(http.Header)}

	// Should not panic even if encoding fails
	m.ServeReady(w, req)
}

func TestBrokerChecker(t *testing.T) {
	up := false
	checker := NewBrokerChecker(func() bool { return up })
	assert.Equal(t, "broker", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)

	up = true
	result = checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestBrokerChecker_NilProbe(t *testing.T) {
	checker := NewBrokerChecker(nil)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestFileChecker_Name(t *testing.T) {
	checker := NewFileChecker("device-table", "/path/to/devices.yaml")
	assert.Equal(t, "device-table", checker.Name())
}

func TestFileChecker(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name           string
		setup          func() string
		expectedStatus Status
		expectedError  string
	}{
		{
			name: "file exists",
			setup: func() string {
				path := filepath.Join(tempDir, "test.yaml")
				require.NoError(t, os.WriteFile(path, []byte("devices: []"), 0600))
				return path
			},
			expectedStatus: StatusHealthy,
		},
		{
			name: "empty file",
			setup: func() string {
				path := filepath.Join(tempDir, "empty.yaml")
				require.NoError(t, os.WriteFile(path, []byte{}, 0600))
				return path
			},
			expectedStatus: StatusDegraded,
		},
		{
			name: "file not found",
			setup: func() string {
				return filepath.Join(tempDir, "nonexistent.yaml")
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "file not found",
		},
		{
			name: "is directory",
			setup: func() string {
				path := filepath.Join(tempDir, "dir")
				require.NoError(t, os.Mkdir(path, 0750))
				return path
			},
			expectedStatus: StatusUnhealthy,
			expectedError:  "expected file, got directory",
		},
		{
			name: "not configured",
			setup: func() string {
				return ""
			},
			expectedStatus: StatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup()
			checker := NewFileChecker("test", path)

			result := checker.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			if tt.expectedError != "" {
				assert.Contains(t, result.Error, tt.expectedError)
			}
		})
	}
}

func TestUpdateChecker(t *testing.T) {
	tests := []struct {
		name           string
		snapshot       ota.Snapshot
		expectedStatus Status
		expectedMsg    string
	}{
		{
			name:           "idle",
			snapshot:       ota.Snapshot{State: "idle"},
			expectedStatus: StatusHealthy,
			expectedMsg:    "no update in progress",
		},
		{
			name:           "downloading",
			snapshot:       ota.Snapshot{State: "downloading", TargetVersion: "2.0.0"},
			expectedStatus: StatusHealthy,
			expectedMsg:    "update downloading",
		},
		{
			name:           "staged awaiting restart",
			snapshot:       ota.Snapshot{State: "rebooting", TargetVersion: "2.0.0"},
			expectedStatus: StatusDegraded,
			expectedMsg:    "update to 2.0.0 staged",
		},
		{
			name:           "failed attempt",
			snapshot:       ota.Snapshot{State: "failed", LastError: "checksum_mismatch"},
			expectedStatus: StatusDegraded,
			expectedMsg:    "last update attempt failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewUpdateChecker(func() ota.Snapshot { return tt.snapshot })
			assert.Equal(t, "firmware_update", checker.Name())

			result := checker.Check(context.Background())
			assert.Equal(t, tt.expectedStatus, result.Status)
			assert.Contains(t, result.Message, tt.expectedMsg)
		})
	}
}

func TestUpdateChecker_NotConfigured(t *testing.T) {
	checker := NewUpdateChecker(nil)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Message, "not configured")
}

func TestPerformStartupChecks(t *testing.T) {
	tempDir := t.TempDir()
	deviceFile := filepath.Join(tempDir, "devices.yaml")
	require.NoError(t, os.WriteFile(deviceFile, []byte("devices: []"), 0600))

	cfg := config.Settings{
		BrokerAddr:     "127.0.0.1:6379",
		OpsListen:      ":8090",
		DeviceFile:     deviceFile,
		FirmwareTarget: filepath.Join(tempDir, "stationd"),
	}
	require.NoError(t, PerformStartupChecks(cfg))
}

func TestPerformStartupChecks_Failures(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.Settings
		want string
	}{
		{
			name: "missing broker port",
			cfg:  config.Settings{BrokerAddr: "localhost", OpsListen: ":8090"},
			want: "broker address",
		},
		{
			name: "bad ops port",
			cfg:  config.Settings{BrokerAddr: "127.0.0.1:6379", OpsListen: ":notaport"},
			want: "ops",
		},
		{
			name: "unreadable device file",
			cfg: config.Settings{
				BrokerAddr: "127.0.0.1:6379",
				OpsListen:  ":8090",
				DeviceFile: filepath.Join(tempDir, "missing.yaml"),
			},
			want: "device file",
		},
		{
			name: "firmware target in missing directory",
			cfg: config.Settings{
				BrokerAddr:     "127.0.0.1:6379",
				OpsListen:      ":8090",
				FirmwareTarget: filepath.Join(tempDir, "nope", "stationd"),
			},
			want: "firmware target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PerformStartupChecks(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// Optional settings left empty must not fail startup.
func TestPerformStartupChecks_OptionalUnset(t *testing.T) {
	cfg := config.Settings{
		BrokerAddr: "127.0.0.1:6379",
		OpsListen:  ":8090",
	}
	require.NoError(t, PerformStartupChecks(cfg))
}

// Mock checker for testing
type mockChecker struct {
	name    string
	status  Status
	message string
	err     string
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(_ context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: m.message,
		Error:   m.err,
	}
}

// brokenWriter is a mock ResponseWriter that always fails to write
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header {
	return w.header
}

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, assert.AnError // Always fail
}

func (w *brokenWriter) WriteHeader(statusCode int) {
	// No-op
}
