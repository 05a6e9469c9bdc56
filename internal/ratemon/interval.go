// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ratemon

import (
	"context"
	"strconv"

	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/metrics"
)

// Resolution labels and their moduli. The store suffix for a series is the
// label; ":si"/":sn" style keys track the open bucket.
const (
	ResSecond = "s"
	ResMinute = "m"
	ResHour   = "h"
)

// Default series bounds per resolution.
const (
	MaxLenSecond = 900
	MaxLenMinute = 1440
	MaxLenHour   = 168
)

// CountInterval accumulates per-key counts for one resolution. The open
// bucket lives in memory and is mirrored to the store so a restart mid-bucket
// resumes the count instead of restarting at one.
type CountInterval struct {
	Label   string
	Modulus int64
	MaxLen  int64

	lastAligned int64
	current     map[string]int64
}

// NewCountInterval builds a counting interval for one resolution.
func NewCountInterval(label string, modulus, maxLen int64) *CountInterval {
	return &CountInterval{
		Label:   label,
		Modulus: modulus,
		MaxLen:  maxLen,
		current: make(map[string]int64),
	}
}

// DefaultIntervals returns the standard second/minute/hour set.
func DefaultIntervals() []*CountInterval {
	return []*CountInterval{
		NewCountInterval(ResSecond, 1, MaxLenSecond),
		NewCountInterval(ResMinute, 60, MaxLenMinute),
		NewCountInterval(ResHour, 3600, MaxLenHour),
	}
}

// Align truncates t to the start of its bucket.
func (ci *CountInterval) Align(t int64) int64 {
	return t - t%ci.Modulus
}

// SeriesKey returns the store key holding the flushed series for key.
func (ci *CountInterval) SeriesKey(key string) string { return key + ":" + ci.Label }

func (ci *CountInterval) openTSKey(key string) string    { return key + ":" + ci.Label + "i" }
func (ci *CountInterval) openCountKey(key string) string { return key + ":" + ci.Label + "n" }

// Count registers one packet for key at time now. Flushed buckets and the
// open-bucket mirror are queued on pipe; store is only consulted to adopt an
// open bucket left behind by a previous process.
func (ci *CountInterval) Count(ctx context.Context, store kvstore.Store, pipe kvstore.Pipe, key string, now int64) {
	cur := ci.Align(now)

	if ci.lastAligned == 0 {
		ci.lastAligned = cur
	}
	if cur != ci.lastAligned {
		ci.flushTo(pipe)
		ci.lastAligned = cur
	}

	if _, seen := ci.current[key]; !seen {
		ci.current[key] = ci.adopt(ctx, store, key, cur)
	}
	ci.current[key]++

	pipe.Set(ci.openTSKey(key), strconv.FormatInt(cur, 10))
	pipe.Set(ci.openCountKey(key), strconv.FormatInt(ci.current[key], 10))
}

// adopt recovers the open-bucket count a previous process mirrored to the
// store, provided it belongs to the same aligned interval.
func (ci *CountInterval) adopt(ctx context.Context, store kvstore.Store, key string, cur int64) int64 {
	raw, err := store.Get(ctx, ci.openTSKey(key))
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts != cur {
		return 0
	}
	raw, err = store.Get(ctx, ci.openCountKey(key))
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// flushTo pushes every open count as a completed bucket and clears the map.
func (ci *CountInterval) flushTo(pipe kvstore.Pipe) {
	for key, count := range ci.current {
		series := ci.SeriesKey(key)
		pipe.LPush(series, Bucket{Timestamp: ci.lastAligned, Count: count}.Encode())
		pipe.LTrim(series, 0, ci.MaxLen-1)
	}
	metrics.Get().BucketsFlushed.WithLabelValues(ci.Label).Add(float64(len(ci.current)))
	ci.current = make(map[string]int64)
}

// Flush rewrites the open-bucket mirrors for every live key, for shutdown or
// an explicit cache flush. The open bucket is never pushed onto the series
// here: a restart within the same interval adopts the mirror and the bucket
// is recorded once, at rollover.
func (ci *CountInterval) Flush(ctx context.Context, store kvstore.Store) error {
	if len(ci.current) == 0 {
		return nil
	}
	return store.Pipeline(ctx, func(pipe kvstore.Pipe) {
		ts := strconv.FormatInt(ci.lastAligned, 10)
		for key, count := range ci.current {
			pipe.Set(ci.openTSKey(key), ts)
			pipe.Set(ci.openCountKey(key), strconv.FormatInt(count, 10))
		}
	})
}

// Open reports the in-memory count for key in the current bucket.
func (ci *CountInterval) Open(key string) (int64, bool) {
	n, ok := ci.current[key]
	return n, ok
}
