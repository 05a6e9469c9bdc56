// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import "math"

// TrendDetector fits a line over the most recent samples and flags sustained
// drift in either direction.
type TrendDetector struct {
	window         *window
	trendWindow    int
	trendThreshold float64
	sensitivity    float64
}

// NewTrendDetector builds a trend detector. trendWindow is clamped to the
// overall window size.
func NewTrendDetector(windowSize, trendWindow int, trendThreshold, sensitivity float64) *TrendDetector {
	if trendWindow > windowSize {
		trendWindow = windowSize
	}
	if trendWindow < 3 {
		trendWindow = 3
	}
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	return &TrendDetector{
		window:         newWindow(windowSize),
		trendWindow:    trendWindow,
		trendThreshold: trendThreshold,
		sensitivity:    sensitivity,
	}
}

func (d *TrendDetector) AddSample(ts int64, value float64) {
	d.window.add(ts, value)
}

// trend returns the regression slope normalized by the value range, clamped
// to [-1, 1]. A flat window has no trend.
func trend(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	minV, maxV := values[0], values[0]
	for _, v := range values {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	if maxV == minV {
		return 0
	}

	// Least squares over x = 0..n-1.
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumXX - sumX*sumX)

	normalized := slope / ((maxV - minV) / float64(n-1))
	return math.Max(-1, math.Min(1, normalized))
}

func (d *TrendDetector) Detect() Result {
	if d.window.len() < d.trendWindow {
		return Result{Context: map[string]any{"reason": "insufficient_data"}}
	}

	values := d.window.values()
	recent := values[len(values)-d.trendWindow:]
	tr := trend(recent)

	adjusted := d.trendThreshold / d.sensitivity
	ctx := map[string]any{"trend": tr, "window": d.trendWindow}

	if math.Abs(tr) <= adjusted {
		return Result{Context: ctx}
	}

	kind := "increasing_trend"
	if tr < 0 {
		kind = "decreasing_trend"
	}
	return Result{
		Anomalous: true,
		Kinds:     []string{kind},
		Score:     math.Min(math.Abs(tr)/adjusted, 1.0),
		Context:   ctx,
	}
}
