// SPDX-License-Identifier: MIT

// Package ota drives firmware updates: validate the request, stream the
// image through an ImageWriter while hashing it, verify the digest, commit,
// and hand control to the reboot hook. The state machine is linear and every
// failure is terminal for the attempt.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/envelope"
	"github.com/vacworks/stationd/internal/log"
	"github.com/vacworks/stationd/internal/metrics"
)

// State is one phase of an update attempt.
type State int

// Update states. Idle and Failed are the only states a new attempt may
// start from.
const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateVerifying
	StateApplying
	StateRebooting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateApplying:
		return "applying"
	case StateRebooting:
		return "rebooting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stable error codes carried in update failure responses.
const (
	CodeBusy              = "busy"
	CodeInvalidURL        = "invalid_url"
	CodeInvalidVersion    = "invalid_version"
	CodeInvalidSHA256     = "invalid_sha256"
	CodeSameVersion       = "same_version"
	CodeDownloadFailed    = "download_failed"
	CodeChecksumMismatch  = "checksum_mismatch"
	CodeFlashWriteFailed  = "flash_write_failed"
	CodeInsufficientSpace = "insufficient_space"

	// CodeRollbackActive is reserved on the wire; this controller never
	// emits it.
	CodeRollbackActive = "rollback_active"
)

// downloadChunkSize is the fixed read size used while streaming the image.
const downloadChunkSize = 1024

// UpdateError is a terminal update failure with a stable machine code.
type UpdateError struct {
	Code    string
	Message string
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("ota %s: %s", e.Code, e.Message)
}

// Config wires a Controller's collaborators.
type Config struct {
	// CurrentVersion is the running firmware version used by the version
	// gate.
	CurrentVersion string
	// Fetcher streams the image. Required.
	Fetcher Fetcher
	// Writer stages the image. Required.
	Writer ImageWriter
	// Reboot hands control to the platform restart. On real hardware it
	// never returns; tests inject a recorder.
	Reboot func()
}

// Controller runs at most one update attempt at a time. Snapshot and Cancel
// may be called from other goroutines; a second StartUpdate while one is in
// flight is refused with CodeBusy.
type Controller struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	state    State
	target   string
	lastErr  string
	progress int
	updates  int
	failures int
}

// New builds a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("ota: nil fetcher")
	}
	if cfg.Writer == nil {
		return nil, errors.New("ota: nil writer")
	}
	return &Controller{
		cfg: cfg,
		log: log.WithComponent("ota"),
	}, nil
}

// StartUpdate runs one update attempt end to end. A nil return means the
// image is committed and the boot target switched; the controller is left
// in Rebooting and the caller invokes Reboot once its own acknowledgements
// are on the wire.
func (c *Controller) StartUpdate(ctx context.Context, req envelope.OTARequestPayload) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.lastErr = CodeBusy
		cur := c.state
		c.mu.Unlock()
		c.log.Warn().
			Str(log.FieldOldState, cur.String()).
			Str("target_version", req.Version).
			Msg("update rejected, attempt already in progress")
		return &UpdateError{Code: CodeBusy, Message: "update already in progress"}
	}
	c.state = StateChecking
	c.lastErr = ""
	c.progress = 0
	c.target = req.Version
	c.mu.Unlock()

	metrics.OTAAttemptsTotal.Inc()

	if !ValidFirmwareURL(req.FirmwareURL) {
		return c.fail(CodeInvalidURL, fmt.Sprintf("firmware_url %q is not http(s)", req.FirmwareURL))
	}
	if !ValidSemver(req.Version) {
		return c.fail(CodeInvalidVersion, fmt.Sprintf("version %q is not MAJOR.MINOR.PATCH", req.Version))
	}
	if !ValidSHA256Hex(req.SHA256) {
		return c.fail(CodeInvalidSHA256, "sha256 must be 64 lowercase hex characters")
	}

	if !req.Forced() && CompareSemver(req.Version, c.cfg.CurrentVersion) == 0 {
		return c.fail(CodeSameVersion, fmt.Sprintf("already running %s", c.cfg.CurrentVersion))
	}

	c.log.Info().
		Str("current_version", c.cfg.CurrentVersion).
		Str("target_version", req.Version).
		Bool("force", req.Forced()).
		Msg("starting firmware update")

	if err := c.run(ctx, req); err != nil {
		return err
	}

	c.mu.Lock()
	c.updates++
	c.state = StateRebooting
	c.mu.Unlock()

	c.log.Info().
		Str("target_version", req.Version).
		Msg("firmware staged and boot target switched")
	return nil
}

// run downloads, verifies and commits the image. The staging write is
// aborted on every failure after Begin except a failed Commit, which
// consumes it.
func (c *Controller) run(ctx context.Context, req envelope.OTARequestPayload) error {
	c.setState(StateDownloading)

	if err := c.cfg.Writer.Begin(); err != nil {
		if errors.Is(err, ErrNoSpace) {
			return c.fail(CodeInsufficientSpace, err.Error())
		}
		return c.fail(CodeFlashWriteFailed, fmt.Sprintf("begin image write: %v", err))
	}

	body, length, err := c.cfg.Fetcher.Fetch(ctx, req.FirmwareURL)
	if err != nil {
		c.cfg.Writer.Abort()
		return c.fail(CodeDownloadFailed, fmt.Sprintf("fetch image: %v", err))
	}
	defer body.Close()

	if length <= 0 {
		c.cfg.Writer.Abort()
		return c.fail(CodeDownloadFailed, fmt.Sprintf("no usable content length (%d)", length))
	}

	hash := sha256.New()
	buf := make([]byte, downloadChunkSize)
	var total int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			if werr := c.cfg.Writer.Write(buf[:n]); werr != nil {
				c.cfg.Writer.Abort()
				return c.fail(CodeFlashWriteFailed, fmt.Sprintf("write image chunk at %d: %v", total, werr))
			}
			total += int64(n)
			c.setProgress(int(total * 100 / length))
		}
		if rerr != nil {
			// A read error ends the stream like EOF; the checksum below
			// catches short bodies.
			break
		}
	}

	if total == 0 {
		c.cfg.Writer.Abort()
		return c.fail(CodeDownloadFailed, "received 0 bytes")
	}

	c.setState(StateVerifying)
	sum := hex.EncodeToString(hash.Sum(nil))
	if sum != req.SHA256 {
		c.cfg.Writer.Abort()
		return c.fail(CodeChecksumMismatch, fmt.Sprintf("expected %s, computed %s", req.SHA256, sum))
	}
	c.log.Debug().Int64("bytes", total).Msg("image checksum verified")

	c.setState(StateApplying)
	if err := c.cfg.Writer.Commit(); err != nil {
		return c.fail(CodeFlashWriteFailed, fmt.Sprintf("commit image: %v", err))
	}
	if err := c.cfg.Writer.SetBootTarget(); err != nil {
		return c.fail(CodeFlashWriteFailed, fmt.Sprintf("set boot target: %v", err))
	}
	c.setProgress(100)
	return nil
}

// Reboot invokes the configured reboot hook. The dispatcher calls this
// after the success response is on the wire; on hardware the hook never
// returns.
func (c *Controller) Reboot() {
	c.log.Info().Msg("rebooting into staged firmware")
	if c.cfg.Reboot != nil {
		c.cfg.Reboot()
	}
}

// Cancel aborts an attempt that has not reached Verifying yet. A cancel
// landing while the attempt is still executing can be overwritten by the
// attempt's own terminal transition.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state != StateChecking && c.state != StateDownloading {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.lastErr = ""
	c.progress = 0
	c.target = ""
	c.mu.Unlock()
	c.log.Info().Msg("update cancelled")
}

// Snapshot is a point-in-time view of the controller for status surfaces.
type Snapshot struct {
	State         string `json:"state"`
	TargetVersion string `json:"target_version,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Progress      int    `json:"progress"`
	Updates       int    `json:"updates"`
	Failures      int    `json:"failures"`
}

// Snapshot returns the current state, progress and lifetime counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:         c.state.String(),
		TargetVersion: c.target,
		LastError:     c.lastErr,
		Progress:      c.progress,
		Updates:       c.updates,
		Failures:      c.failures,
	}
}

// fail records a terminal failure and returns the matching UpdateError.
func (c *Controller) fail(code, message string) error {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = code
	c.failures++
	c.mu.Unlock()

	metrics.IncOTAFailure(code)
	c.log.Error().
		Str("code", code).
		Str("detail", message).
		Msg("firmware update failed")
	return &UpdateError{Code: code, Message: message}
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	c.log.Debug().
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Msg("ota state change")
}

func (c *Controller) setProgress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.mu.Lock()
	c.progress = pct
	c.mu.Unlock()
}

// ValidFirmwareURL accepts http:// and https:// URLs of at least scheme
// length. Anything subtler surfaces from the fetch itself.
func ValidFirmwareURL(rawURL string) bool {
	if len(rawURL) < 8 {
		return false
	}
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// ValidSemver reports whether v is exactly MAJOR.MINOR.PATCH with
// non-negative integers and no extra characters.
func ValidSemver(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// ValidSHA256Hex reports whether s is a 64-character lowercase hex digest.
func ValidSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		digit := r >= '0' && r <= '9'
		lower := r >= 'a' && r <= 'f'
		if !digit && !lower {
			return false
		}
	}
	return true
}

// CompareSemver compares two MAJOR.MINOR.PATCH strings component-wise and
// returns -1, 0 or 1. Unparsable components count as zero.
func CompareSemver(a, b string) int {
	av := semverParts(a)
	bv := semverParts(b)
	for i := 0; i < 3; i++ {
		switch {
		case av[i] < bv[i]:
			return -1
		case av[i] > bv[i]:
			return 1
		}
	}
	return 0
}

func semverParts(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		if n, err := strconv.Atoi(parts[i]); err == nil {
			out[i] = n
		}
	}
	return out
}
