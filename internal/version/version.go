// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package version holds build identity for the daemon and API server.
package version

// Version is overridden at build time via -ldflags.
var Version = "1.0.0-dev"

// String returns the daemon version.
func String() string {
	return Version
}
