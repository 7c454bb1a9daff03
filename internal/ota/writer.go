// SPDX-License-Identifier: MIT

package ota

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/vacworks/stationd/internal/log"
)

// ErrNoSpace is returned by ImageWriter.Begin or Write when the platform
// cannot hold the image. The controller reports it as insufficient_space.
var ErrNoSpace = errors.New("ota: insufficient space for image")

// ImageWriter stages a firmware image and switches the boot target to it.
// The controller drives it strictly as Begin, Write..., then either Abort or
// Commit+SetBootTarget.
type ImageWriter interface {
	// Begin opens a fresh staging area, discarding any previous one.
	Begin() error

	// Write appends one chunk to the staging area.
	Write(chunk []byte) error

	// Abort discards the staging area. Calling it with nothing staged is a
	// no-op, so failure paths can abort unconditionally.
	Abort()

	// Commit finalizes the staged image. After Commit the staging area is
	// consumed whether or not it succeeded.
	Commit() error

	// SetBootTarget marks the committed image as what runs after restart.
	SetBootTarget() error
}

// HostImageWriter stages the image beside the target executable and swaps it
// in atomically on Commit, so a crash mid-update never leaves a torn binary.
// SetBootTarget marks the swapped file executable; the process supervisor
// starts it on the next boot.
type HostImageWriter struct {
	target string
	log    zerolog.Logger

	pending *renameio.PendingFile
	staged  bool
	written int64
}

// NewHostImageWriter builds a writer that replaces the executable at target.
func NewHostImageWriter(target string) *HostImageWriter {
	return &HostImageWriter{
		target: target,
		log:    log.WithComponent("ota-writer"),
	}
}

// Begin opens a pending file in the target's directory. A staging area left
// over from an aborted attempt is discarded first.
func (w *HostImageWriter) Begin() error {
	w.Abort()

	pf, err := renameio.NewPendingFile(w.target, renameio.WithStaticPermissions(0o755))
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrNoSpace, err)
		}
		return fmt.Errorf("stage image for %s: %w", w.target, err)
	}
	w.pending = pf
	w.staged = false
	w.written = 0
	return nil
}

// Write appends chunk to the pending file.
func (w *HostImageWriter) Write(chunk []byte) error {
	if w.pending == nil {
		return errors.New("ota: image write not open")
	}
	n, err := w.pending.Write(chunk)
	w.written += int64(n)
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", ErrNoSpace, err)
		}
		return err
	}
	return nil
}

// Abort drops the pending file, leaving the target untouched.
func (w *HostImageWriter) Abort() {
	if w.pending == nil {
		return
	}
	if err := w.pending.Cleanup(); err != nil {
		w.log.Debug().Err(err).Msg("cleanup pending image")
	}
	w.pending = nil
	w.staged = false
}

// Commit fsyncs the pending file and renames it over the target in one step.
func (w *HostImageWriter) Commit() error {
	if w.pending == nil {
		return errors.New("ota: no image staged")
	}
	pf := w.pending
	w.pending = nil
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", w.target, err)
	}
	w.staged = true
	w.log.Info().
		Str("path", w.target).
		Int64("bytes", w.written).
		Msg("firmware image swapped in")
	return nil
}

// SetBootTarget marks the committed image executable.
func (w *HostImageWriter) SetBootTarget() error {
	if !w.staged {
		return errors.New("ota: no committed image to boot")
	}
	if err := os.Chmod(w.target, 0o755); err != nil {
		return fmt.Errorf("mark %s executable: %w", w.target, err)
	}
	return nil
}

// Written reports how many bytes the current or last staging run received.
func (w *HostImageWriter) Written() int64 { return w.written }
