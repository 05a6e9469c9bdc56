// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ratemon

import (
	"context"
	"fmt"
	"strconv"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/anomaly"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

// WindowSize bounds how many recent buckets a single tick examines.
const WindowSize = 25

const alarmHistoryMax = 1000

// Phase is the alarm state for one monitored key. Transitions are hysteretic:
// duration consecutive samples are needed to cross in either direction.
type Phase int

const (
	PhaseClear Phase = iota
	PhaseArming
	PhaseActive
	PhaseClearing
)

func (p Phase) String() string {
	switch p {
	case PhaseArming:
		return "arming"
	case PhaseActive:
		return "active"
	case PhaseClearing:
		return "clearing"
	default:
		return "clear"
	}
}

// AlertSink receives alarm lifecycle events. The alert manager implements it;
// tests substitute a recorder.
type AlertSink interface {
	AlarmRaised(ctx context.Context, task, key string, since int64, value float64, level alerting.Level, kinds []string)
	AlarmCleared(ctx context.Context, task, key string, since, cleared int64)
}

// RateTask periodically samples one key's second-level series, evaluates each
// sample, and drives the alarm state machine.
type RateTask struct {
	Name     string
	Key      string
	Interval int64
	MaxValue float64
	Duration int

	store    kvstore.Store
	sink     AlertSink
	enhanced *anomaly.Manager
	log      *logging.Logger
	interval *CountInterval

	phase      Phase
	setCount   int
	resetCount int
	since      int64
	nextCheck  int64
	lastResult anomaly.Result
}

// NewRateTask builds a rate task. enhanced may be nil, in which case samples
// are evaluated against MaxValue alone.
func NewRateTask(name, key string, interval int64, maxValue float64, duration int,
	store kvstore.Store, sink AlertSink, enhanced *anomaly.Manager, log *logging.Logger) *RateTask {
	if duration < 1 {
		duration = 1
	}
	label := ResSecond
	switch interval {
	case 60:
		label = ResMinute
	case 3600:
		label = ResHour
	}
	return &RateTask{
		Name:     name,
		Key:      key,
		Interval: interval,
		MaxValue: maxValue,
		Duration: duration,
		store:    store,
		sink:     sink,
		enhanced: enhanced,
		log:      log.WithComponent("ratetask"),
		interval: NewCountInterval(label, interval, WindowSize),
	}
}

// AlarmPhase reports the current alarm state.
func (t *RateTask) AlarmPhase() Phase { return t.phase }

// Since reports the active alarm's start timestamp, zero when not active.
func (t *RateTask) Since() int64 { return t.since }

// LastResult reports the most recent per-sample evaluation, for the API.
func (t *RateTask) LastResult() anomaly.Result { return t.lastResult }

func (t *RateTask) alarmKey() string   { return t.Key + ":alarm" }
func (t *RateTask) historyKey() string { return t.Key + ":alarm-history" }

// Recover restores Active state persisted by a previous process so a restart
// does not re-alert, and skips samples from before the alarm began.
func (t *RateTask) Recover(ctx context.Context) {
	raw, err := t.store.Get(ctx, t.alarmKey())
	if err != nil {
		return
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	t.phase = PhaseActive
	t.since = since
	t.nextCheck = since + t.Interval
	metrics.Get().ActiveAlarms.Inc()
	t.log.Info("recovered active alarm", "task", t.Name, "key", t.Key, "since", since)
}

// Tick processes every flushed sample between the previous check and the
// current aligned time, gap-filling missing intervals with zero, and returns
// the final evaluation.
func (t *RateTask) Tick(ctx context.Context, now int64) anomaly.Result {
	end := t.interval.Align(now)

	buckets, err := t.fetch(ctx)
	if err != nil {
		t.log.Warn("sample fetch failed", "task", t.Name, "key", t.Key, "error", err)
		return t.lastResult
	}

	start := t.nextCheck
	if start == 0 {
		if len(buckets) == 0 {
			t.nextCheck = now
			return t.lastResult
		}
		start = buckets[0].Timestamp
	}
	// The window only holds WindowSize buckets; never reach further back.
	if floor := end - WindowSize*t.Interval; start < floor {
		start = floor
	}
	start = t.interval.Align(start)

	byTS := make(map[int64]int64, len(buckets))
	for _, b := range buckets {
		byTS[b.Timestamp] = b.Count
	}

	var lastTS int64
	processed := false
	for ts := start; ts < end; ts += t.Interval {
		t.step(ctx, ts, float64(byTS[ts]))
		lastTS = ts
		processed = true
	}

	if processed {
		t.nextCheck = lastTS + t.Interval
	} else {
		t.nextCheck = now
	}
	return t.lastResult
}

// fetch reads the recent series in chronological order, dropping records that
// do not parse.
func (t *RateTask) fetch(ctx context.Context) ([]Bucket, error) {
	raw, err := t.store.LRange(ctx, t.interval.SeriesKey(t.Key), 0, WindowSize-1)
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		b, err := ParseBucket(raw[i])
		if err != nil {
			t.log.Warn("dropping bad bucket record", "key", t.Key, "record", raw[i])
			continue
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// step evaluates one sample and advances the alarm state machine.
func (t *RateTask) step(ctx context.Context, ts int64, value float64) {
	result := t.evaluate(ctx, ts, value)
	t.lastResult = result

	switch t.phase {
	case PhaseClear, PhaseArming:
		if !result.Anomalous {
			t.setCount = 0
			t.phase = PhaseClear
			return
		}
		t.setCount++
		if t.setCount < t.Duration {
			t.phase = PhaseArming
			return
		}
		t.goActive(ctx, ts, value, result.Kinds)

	case PhaseActive, PhaseClearing:
		if result.Anomalous {
			t.resetCount = 0
			t.phase = PhaseActive
			return
		}
		t.resetCount++
		if t.resetCount < t.Duration {
			t.phase = PhaseClearing
			return
		}
		t.goClear(ctx, ts)
	}
}

// evaluate runs either the plain threshold test or the full detector set.
func (t *RateTask) evaluate(ctx context.Context, ts int64, value float64) anomaly.Result {
	if t.enhanced == nil {
		if value > t.MaxValue {
			return anomaly.Result{
				Anomalous: true,
				Kinds:     []string{"threshold"},
				Score:     1.0,
				Context:   map[string]any{"value": value, "threshold": t.MaxValue},
			}
		}
		return anomaly.Result{Context: map[string]any{"value": value, "threshold": t.MaxValue}}
	}

	combined := t.enhanced.Process(ts, value)
	if err := t.enhanced.StoreResult(ctx, t.store, combined); err != nil {
		t.log.Warn("anomaly persistence failed", "key", t.Key, "error", err)
	}
	return anomaly.Result{
		Anomalous: combined.Anomalous,
		Kinds:     combined.Kinds,
		Score:     combined.Score,
		Context:   map[string]any{"value": value, "detectors": combined.Detectors},
	}
}

func (t *RateTask) goActive(ctx context.Context, ts int64, value float64, kinds []string) {
	t.phase = PhaseActive
	t.since = ts
	t.setCount = 0
	t.resetCount = 0

	if err := t.store.Set(ctx, t.alarmKey(), strconv.FormatInt(ts, 10)); err != nil {
		t.log.Warn("alarm persist failed", "key", t.Key, "error", err)
	}

	level := levelFor(kinds)
	message := fmt.Sprintf("rate anomaly on %s: value %.0f exceeds limit %.0f", t.Key, value, t.MaxValue)
	legacy := fmt.Sprintf("%s/%s/%s", t.Name, t.Key, message)
	if err := t.store.SAdd(ctx, "critical-messages", legacy); err != nil {
		t.log.Warn("legacy message persist failed", "key", t.Key, "error", err)
	}

	metrics.Get().ActiveAlarms.Inc()
	t.log.Warn("alarm active", "task", t.Name, "key", t.Key, "value", value, "level", level.String())
	if t.sink != nil {
		t.sink.AlarmRaised(ctx, t.Name, t.Key, ts, value, level, kinds)
	}
}

func (t *RateTask) goClear(ctx context.Context, ts int64) {
	since := t.since
	t.phase = PhaseClear
	t.since = 0
	t.setCount = 0
	t.resetCount = 0

	if err := t.store.Delete(ctx, t.alarmKey()); err != nil {
		t.log.Warn("alarm delete failed", "key", t.Key, "error", err)
	}
	record := Bucket{Timestamp: since, Count: ts}.Encode()
	if err := t.store.LPush(ctx, t.historyKey(), record); err != nil {
		t.log.Warn("alarm history push failed", "key", t.Key, "error", err)
	} else if err := t.store.LTrim(ctx, t.historyKey(), 0, alarmHistoryMax-1); err != nil {
		t.log.Warn("alarm history trim failed", "key", t.Key, "error", err)
	}

	metrics.Get().ActiveAlarms.Dec()
	t.log.Info("alarm cleared", "task", t.Name, "key", t.Key, "since", since, "cleared", ts)
	if t.sink != nil {
		t.sink.AlarmCleared(ctx, t.Name, t.Key, since, ts)
	}
}

// levelFor maps the triggering detector kinds to an alert level. Absolute
// threshold breaches warn; statistical and trend findings escalate; anything
// else is treated as critical.
func levelFor(kinds []string) alerting.Level {
	hasStat := false
	for _, k := range kinds {
		switch k {
		case "threshold", "spike", "rate_of_change":
			return alerting.LevelWarning
		case "z_score", "increasing_trend", "decreasing_trend":
			hasStat = true
		}
	}
	if hasStat {
		return alerting.LevelAlert
	}
	return alerting.LevelCritical
}
