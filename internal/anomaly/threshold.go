// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import "math"

// ThresholdDetector checks the newest sample against an absolute threshold,
// a spike relative to the recent average, and the rate of change from the
// previous sample. Anomalies only fire after `duration` consecutive breaches.
type ThresholdDetector struct {
	window                *window
	baseThreshold         float64
	duration              int
	spikeSensitivity      float64
	rateOfChangeThreshold float64
	consecutive           int
}

// NewThresholdDetector builds a threshold detector.
func NewThresholdDetector(baseThreshold float64, duration, windowSize int, spikeSensitivity, rateOfChangeThreshold float64) *ThresholdDetector {
	if duration < 1 {
		duration = 1
	}
	return &ThresholdDetector{
		window:                newWindow(windowSize),
		baseThreshold:         baseThreshold,
		duration:              duration,
		spikeSensitivity:      spikeSensitivity,
		rateOfChangeThreshold: rateOfChangeThreshold,
	}
}

func (d *ThresholdDetector) AddSample(ts int64, value float64) {
	d.window.add(ts, value)
}

func (d *ThresholdDetector) Detect() Result {
	if d.window.len() < 2 {
		return Result{Context: map[string]any{"reason": "insufficient_data"}}
	}

	cur := d.window.last()
	exceeded := cur.Value > d.baseThreshold

	// Spike: well above the recent average while already near the base
	// threshold.
	spike := false
	values := d.window.values()
	if len(values) >= 3 {
		recent := values[max(0, len(values)-5) : len(values)-1]
		avg := mean(recent)
		spike = cur.Value > avg*d.spikeSensitivity && cur.Value > d.baseThreshold*0.7
	}

	rateAnomaly := false
	prev := d.window.samples[d.window.len()-2]
	if dt := cur.Timestamp - prev.Timestamp; dt > 0 {
		rateAnomaly = math.Abs(cur.Value-prev.Value)/float64(dt) > d.rateOfChangeThreshold
	}

	if !(exceeded || spike || rateAnomaly) {
		d.consecutive = 0
		return Result{Context: map[string]any{"value": cur.Value, "threshold": d.baseThreshold}}
	}

	d.consecutive++
	if d.consecutive < d.duration {
		return Result{Context: map[string]any{"value": cur.Value, "threshold": d.baseThreshold, "consecutive": d.consecutive}}
	}

	var kinds []string
	if exceeded {
		kinds = append(kinds, "threshold")
	}
	if spike {
		kinds = append(kinds, "spike")
	}
	if rateAnomaly {
		kinds = append(kinds, "rate_of_change")
	}

	return Result{
		Anomalous: true,
		Kinds:     kinds,
		Score:     math.Min(float64(d.consecutive)/(float64(d.duration)*1.5), 1.0),
		Context: map[string]any{
			"value":       cur.Value,
			"threshold":   d.baseThreshold,
			"consecutive": d.consecutive,
		},
	}
}
