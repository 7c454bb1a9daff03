// SPDX-License-Identifier: MIT

// Package version carries the build identity stamped in by ldflags.
package version

var (
	// Version is the firmware version the station reports and that OTA
	// requests are compared against.
	// It should be populated by the build system (ldflags).
	Version = "1.0.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
