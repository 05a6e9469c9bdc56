// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import "math"

// StatisticalDetector flags samples whose z-score against the rolling window
// exceeds the sensitivity-adjusted threshold.
type StatisticalDetector struct {
	window      *window
	zThreshold  float64
	minHistory  int
	sensitivity float64
}

// NewStatisticalDetector builds a z-score detector.
func NewStatisticalDetector(windowSize int, zThreshold float64, minHistory int, sensitivity float64) *StatisticalDetector {
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	if minHistory < 2 {
		minHistory = 2
	}
	return &StatisticalDetector{
		window:      newWindow(windowSize),
		zThreshold:  zThreshold,
		minHistory:  minHistory,
		sensitivity: sensitivity,
	}
}

func (d *StatisticalDetector) AddSample(ts int64, value float64) {
	d.window.add(ts, value)
}

func (d *StatisticalDetector) Detect() Result {
	if d.window.len() < d.minHistory {
		return Result{Context: map[string]any{"reason": "insufficient_data"}}
	}

	values := d.window.values()
	mu := mean(values)
	sigma := safeStdev(values)
	cur := d.window.last()
	z := (cur.Value - mu) / sigma

	adjusted := d.zThreshold / d.sensitivity
	ctx := map[string]any{
		"z_score":    z,
		"value":      cur.Value,
		"moving_avg": mu,
		"moving_std": sigma,
	}

	if math.Abs(z) <= adjusted {
		return Result{Context: ctx}
	}
	return Result{
		Anomalous: true,
		Kinds:     []string{"z_score"},
		Score:     math.Min(math.Abs(z)/(adjusted*2), 1.0),
		Context:   ctx,
	}
}
