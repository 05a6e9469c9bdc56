// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package anomaly implements the detector set used for enhanced rate
// monitoring: absolute thresholds with spike and rate-of-change checks,
// rolling z-scores, time-of-day baselines, and trend analysis, combined by a
// weighted manager.
package anomaly

import (
	"math"
)

// Sample is one (timestamp, value) observation.
type Sample struct {
	Timestamp int64
	Value     float64
}

// Result is the outcome of one detection pass.
type Result struct {
	Anomalous bool           `json:"is_anomaly"`
	Kinds     []string       `json:"anomaly_types,omitempty"`
	Score     float64        `json:"confidence"`
	Context   map[string]any `json:"context,omitempty"`
}

// Detector is a stateful anomaly detector for one monitored key.
type Detector interface {
	AddSample(ts int64, value float64)
	Detect() Result
}

// window is a bounded sample history shared by the detectors.
type window struct {
	samples []Sample
	max     int
}

func newWindow(max int) *window {
	return &window{max: max}
}

func (w *window) add(ts int64, value float64) {
	w.samples = append(w.samples, Sample{Timestamp: ts, Value: value})
	if len(w.samples) > w.max {
		w.samples = w.samples[1:]
	}
}

func (w *window) len() int { return len(w.samples) }

func (w *window) last() Sample { return w.samples[len(w.samples)-1] }

func (w *window) values() []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Value
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdev is the sample standard deviation.
func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// safeStdev floors the deviation at 0.1 so uniform windows do not divide by
// zero.
func safeStdev(values []float64) float64 {
	uniform := true
	for _, v := range values {
		if v != values[0] {
			uniform = false
			break
		}
	}
	if uniform {
		return 0.1
	}
	return math.Max(stdev(values), 0.1)
}
