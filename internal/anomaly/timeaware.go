// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"fmt"
	"math"
	"time"
)

// timeSlot buckets samples by weekday and hour band so weekday mornings are
// compared against other weekday mornings, not against weekend nights.
type timeSlot struct {
	weekday int
	band    int
}

// TimeAwareDetector keeps per-slot baselines and falls back to global
// statistics for slots with too little history.
type TimeAwareDetector struct {
	window            *window
	hourGranularity   int
	minHistoryPerSlot int
	zThreshold        float64
	sensitivity       float64
	slots             map[timeSlot][]float64
	slotCap           int
}

// NewTimeAwareDetector builds a time-of-day baseline detector.
func NewTimeAwareDetector(windowSize, hourGranularity int, zThreshold float64, minHistoryPerSlot int, sensitivity float64) *TimeAwareDetector {
	if hourGranularity < 1 {
		hourGranularity = 1
	}
	if minHistoryPerSlot < 1 {
		minHistoryPerSlot = 3
	}
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	return &TimeAwareDetector{
		window:            newWindow(windowSize),
		hourGranularity:   hourGranularity,
		minHistoryPerSlot: minHistoryPerSlot,
		zThreshold:        zThreshold,
		sensitivity:       sensitivity,
		slots:             make(map[timeSlot][]float64),
		slotCap:           max(minHistoryPerSlot*4, 20),
	}
}

func (d *TimeAwareDetector) slotFor(ts int64) timeSlot {
	t := time.Unix(ts, 0)
	return timeSlot{weekday: int(t.Weekday()), band: t.Hour() / d.hourGranularity}
}

func (d *TimeAwareDetector) AddSample(ts int64, value float64) {
	d.window.add(ts, value)
	slot := d.slotFor(ts)
	hist := append(d.slots[slot], value)
	if len(hist) > d.slotCap {
		hist = hist[len(hist)-d.slotCap:]
	}
	d.slots[slot] = hist
}

func (d *TimeAwareDetector) Detect() Result {
	if d.window.len() < 2 {
		return Result{Context: map[string]any{"reason": "insufficient_data"}}
	}

	cur := d.window.last()
	slot := d.slotFor(cur.Timestamp)
	hist := d.slots[slot]

	var baseline []float64
	usedSlot := true
	if len(hist) >= d.minHistoryPerSlot {
		baseline = hist
	} else {
		// Not enough data for this slot yet; compare against everything.
		baseline = d.window.values()
		usedSlot = false
	}
	if len(baseline) < 2 {
		return Result{Context: map[string]any{"reason": "insufficient_data"}}
	}

	mu := mean(baseline)
	sigma := safeStdev(baseline)
	z := (cur.Value - mu) / sigma

	adjusted := d.zThreshold / d.sensitivity
	ctx := map[string]any{
		"z_score":       z,
		"value":         cur.Value,
		"slot":          fmt.Sprintf("%d/%d", slot.weekday, slot.band),
		"slot_baseline": usedSlot,
	}

	if math.Abs(z) <= adjusted {
		return Result{Context: ctx}
	}
	return Result{
		Anomalous: true,
		Kinds:     []string{"time_pattern"},
		Score:     math.Min(math.Abs(z)/(adjusted*2), 1.0),
		Context:   ctx,
	}
}
