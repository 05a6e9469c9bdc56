// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
)

// Detector names used in combined results and the type distribution.
const (
	DetectorThreshold   = "threshold"
	DetectorStatistical = "statistical"
	DetectorTimeAware   = "time_aware"
	DetectorTrend       = "trend"
)

// detectorWeights bias the combined score toward the more reliable
// detectors. Absolute thresholds trump statistics, statistics trump trends.
var detectorWeights = map[string]float64{
	DetectorThreshold:   1.0,
	DetectorStatistical: 0.8,
	DetectorTimeAware:   0.7,
	DetectorTrend:       0.6,
}

const (
	managerHistoryMax       = 100
	visualizationHistoryMax = 1000
)

// Config tunes the detector set built for one monitored key.
type Config struct {
	BaseThreshold         float64
	Duration              int
	Sensitivity           float64
	SpikeSensitivity      float64
	ZThreshold            float64
	TrendThreshold        float64
	HourGranularity       int
	WindowSize            int
	RateOfChangeThreshold float64
}

// DefaultConfig returns the tuning used when a rate block leaves the
// enhanced-detection knobs unset.
func DefaultConfig(baseThreshold float64, duration int) Config {
	return Config{
		BaseThreshold:         baseThreshold,
		Duration:              duration,
		Sensitivity:           1.0,
		SpikeSensitivity:      3.0,
		ZThreshold:            3.0,
		TrendThreshold:        0.3,
		HourGranularity:       2,
		WindowSize:            60,
		RateOfChangeThreshold: 0.5,
	}
}

// Combined is the weighted verdict across all detectors for one sample.
type Combined struct {
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Anomalous bool              `json:"is_anomaly"`
	Score     float64           `json:"confidence"`
	Kinds     []string          `json:"anomaly_types,omitempty"`
	Detectors map[string]Result `json:"detector_results"`
}

// Manager runs every detector against each sample and combines their
// verdicts with fixed weights.
type Manager struct {
	key       string
	detectors map[string]Detector
	history   []Combined
	log       *logging.Logger
}

// NewManager builds the full detector set for a monitored key.
func NewManager(key string, cfg Config, log *logging.Logger) *Manager {
	if cfg.WindowSize < 10 {
		cfg.WindowSize = 60
	}
	return &Manager{
		key: key,
		detectors: map[string]Detector{
			DetectorThreshold:   NewThresholdDetector(cfg.BaseThreshold, cfg.Duration, cfg.WindowSize, cfg.SpikeSensitivity, cfg.RateOfChangeThreshold),
			DetectorStatistical: NewStatisticalDetector(cfg.WindowSize, cfg.ZThreshold, 10, cfg.Sensitivity),
			DetectorTimeAware:   NewTimeAwareDetector(168, cfg.HourGranularity, cfg.ZThreshold, 3, cfg.Sensitivity),
			DetectorTrend:       NewTrendDetector(cfg.WindowSize, 10, cfg.TrendThreshold, cfg.Sensitivity),
		},
		log: log.WithComponent("anomaly"),
	}
}

// Key returns the monitored key this manager serves.
func (m *Manager) Key() string { return m.key }

// Process feeds one sample to every detector and returns the combined
// verdict.
func (m *Manager) Process(ts int64, value float64) Combined {
	results := make(map[string]Result, len(m.detectors))
	for name, det := range m.detectors {
		det.AddSample(ts, value)
		results[name] = det.Detect()
	}

	combined := m.combine(ts, value, results)
	m.history = append(m.history, combined)
	if len(m.history) > managerHistoryMax {
		m.history = m.history[1:]
	}
	if combined.Anomalous {
		m.log.Info("anomaly detected",
			"key", m.key, "value", value,
			"confidence", combined.Score, "types", combined.Kinds)
	}
	return combined
}

func (m *Manager) combine(ts int64, value float64, results map[string]Result) Combined {
	var weightedSum, totalWeight float64
	var count int
	kindSet := make(map[string]bool)

	for name, r := range results {
		w := detectorWeights[name]
		totalWeight += w
		if r.Anomalous {
			count++
			weightedSum += r.Score * w
			for _, k := range r.Kinds {
				kindSet[k] = true
			}
		}
	}

	var score float64
	if totalWeight > 0 {
		score = weightedSum / totalWeight
	}

	kinds := make([]string, 0, len(kindSet))
	for k := range kindSet {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	return Combined{
		Timestamp: ts,
		Value:     value,
		Anomalous: score > 0.5 || count >= 2,
		Score:     math.Min(score, 1.0),
		Kinds:     kinds,
		Detectors: results,
	}
}

// History returns the retained combined results, oldest first.
func (m *Manager) History() []Combined {
	out := make([]Combined, len(m.history))
	copy(out, m.history)
	return out
}

// StoreResult persists a combined verdict for the visualization endpoints:
// a bounded list of JSON records (newest first, like every other series) and
// a running count per anomaly type.
func (m *Manager) StoreResult(ctx context.Context, store kvstore.Store, c Combined) error {
	histKey := m.key + ":enhanced_anomaly_history"

	encoded, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := store.LPush(ctx, histKey, string(encoded)); err != nil {
		return err
	}
	if err := store.LTrim(ctx, histKey, 0, visualizationHistoryMax-1); err != nil {
		return err
	}

	if !c.Anomalous {
		return nil
	}

	distKey := m.key + ":anomaly_type_distribution"
	dist := make(map[string]int)
	if raw, err := store.Get(ctx, distKey); err == nil && raw != "" {
		_ = json.Unmarshal([]byte(raw), &dist)
	}
	for _, k := range c.Kinds {
		dist[k]++
	}
	encoded, err = json.Marshal(dist)
	if err != nil {
		return err
	}
	return store.Set(ctx, distKey, string(encoded))
}
