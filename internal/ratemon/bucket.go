// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ratemon maintains per-key traffic series at multiple resolutions
// and runs the rate tasks that drive alarm state from them.
package ratemon

import (
	"encoding/json"
	"fmt"

	"bacmon.is/bacmon/internal/errors"
)

// Bucket is one flushed counting interval: the aligned start timestamp and
// the packet count observed within it.
type Bucket struct {
	Timestamp int64
	Count     int64
}

// Encode renders the on-store record form, a two-element JSON array.
func (b Bucket) Encode() string {
	return fmt.Sprintf("[%d, %d]", b.Timestamp, b.Count)
}

// ParseBucket accepts both the legacy spaced form "[100, 5]" and plain JSON
// "[100,5]". Non-numeric content is rejected, never evaluated.
func ParseBucket(s string) (Bucket, error) {
	var fields [2]int64
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return Bucket{}, errors.Wrapf(err, errors.KindValidation, "bad bucket record %q", s)
	}
	return Bucket{Timestamp: fields[0], Count: fields[1]}, nil
}
