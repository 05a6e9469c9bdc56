// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides an indirection over time.Now so tests can pin time.
package clock

import (
	"sync"
	"time"
)

var (
	mu  sync.RWMutex
	now func() time.Time = time.Now
)

// Now returns the current time via the installed source.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return now()
}

// Unix returns the current time as seconds since the epoch.
func Unix() int64 {
	return Now().Unix()
}

// SetSource replaces the time source. Pass nil to restore the real clock.
// Intended for tests only.
func SetSource(fn func() time.Time) {
	mu.Lock()
	defer mu.Unlock()
	if fn == nil {
		now = time.Now
		return
	}
	now = fn
}
