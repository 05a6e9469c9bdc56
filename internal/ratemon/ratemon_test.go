// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ratemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/decoder"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
)

func TestParseBucket(t *testing.T) {
	b, err := ParseBucket("[100, 5]")
	require.NoError(t, err, "legacy spaced form must parse")
	assert.Equal(t, Bucket{Timestamp: 100, Count: 5}, b)

	b, err = ParseBucket("[100,5]")
	require.NoError(t, err)
	assert.Equal(t, Bucket{Timestamp: 100, Count: 5}, b)

	_, err = ParseBucket("[100, open('x')]")
	assert.Error(t, err, "non-numeric content must be rejected")
	_, err = ParseBucket("garbage")
	assert.Error(t, err)

	assert.Equal(t, "[100, 5]", Bucket{Timestamp: 100, Count: 5}.Encode())
}

func countOne(t *testing.T, store kvstore.Store, ci *CountInterval, key string, now int64) {
	t.Helper()
	err := store.Pipeline(context.Background(), func(pipe kvstore.Pipe) {
		ci.Count(context.Background(), store, pipe, key, now)
	})
	require.NoError(t, err)
}

func TestCountIntervalRollover(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ci := NewCountInterval(ResSecond, 1, MaxLenSecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		countOne(t, store, ci, "K", 100)
	}
	for i := 0; i < 3; i++ {
		countOne(t, store, ci, "K", 101)
	}

	head, err := store.LRange(ctx, "K:s", 0, 0)
	require.NoError(t, err)
	require.Len(t, head, 1)
	assert.Equal(t, "[100, 5]", head[0])

	open, ok := ci.Open("K")
	require.True(t, ok)
	assert.Equal(t, int64(3), open)

	n, err := store.Get(ctx, "K:sn")
	require.NoError(t, err)
	assert.Equal(t, "3", n)
}

func TestCountIntervalAdoptsAfterRestart(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ci := NewCountInterval(ResSecond, 1, MaxLenSecond)

	for i := 0; i < 50; i++ {
		countOne(t, store, ci, "K", 200)
	}

	// A new process mid-bucket lifts the mirrored count instead of
	// restarting at one.
	fresh := NewCountInterval(ResSecond, 1, MaxLenSecond)
	countOne(t, store, fresh, "K", 200)

	open, _ := fresh.Open("K")
	assert.Equal(t, int64(51), open)

	n, err := store.Get(context.Background(), "K:sn")
	require.NoError(t, err)
	assert.Equal(t, "51", n)
}

func TestCountIntervalAlignment(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ci := NewCountInterval(ResMinute, 60, MaxLenMinute)
	ctx := context.Background()

	countOne(t, store, ci, "K", 1130)
	countOne(t, store, ci, "K", 1145)
	countOne(t, store, ci, "K", 1201) // next minute, triggers flush

	head, err := store.LRange(ctx, "K:m", 0, 0)
	require.NoError(t, err)
	require.Len(t, head, 1)

	b, err := ParseBucket(head[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1080), b.Timestamp, "bucket ts aligned to the minute")
	assert.Zero(t, b.Timestamp%60)
	assert.Equal(t, int64(2), b.Count)
}

func TestCounterObserve(t *testing.T) {
	store := kvstore.NewMemoryStore()
	c := NewCounter(store, nil, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	out := decoder.Outcome{
		Source:   "192.0.2.10",
		Meta:     decoder.PacketMeta{Size: 25, Protocol: "bacnet"},
		Key:      "IAmRequest,192.0.2.10,12345",
		Category: decoder.CategoryApplication,
		BVLLKey:  "OriginalBroadcastNPDU,192.0.2.10",
	}
	require.NoError(t, c.Observe(ctx, out, 500))

	total, err := store.Get(ctx, "total")
	require.NoError(t, err)
	assert.Equal(t, "1", total)

	src, err := store.Get(ctx, "192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "1", src)

	ip, err := store.SMembers(ctx, "ip-traffic")
	require.NoError(t, err)
	assert.Contains(t, ip, "192.0.2.10")

	app, err := store.SMembers(ctx, "application-traffic")
	require.NoError(t, err)
	assert.Contains(t, app, "IAmRequest,192.0.2.10,12345")

	bvll, err := store.SMembers(ctx, "bvll-traffic")
	require.NoError(t, err)
	assert.Contains(t, bvll, "OriginalBroadcastNPDU,192.0.2.10")

	// A second observation in the same bucket is one set entry, two counts.
	require.NoError(t, c.Observe(ctx, out, 500))
	total, _ = store.Get(ctx, "total")
	assert.Equal(t, "2", total)
	app, _ = store.SMembers(ctx, "application-traffic")
	assert.Len(t, app, 1)
}

func TestCounterObserveError(t *testing.T) {
	store := kvstore.NewMemoryStore()
	c := NewCounter(store, nil, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	out := decoder.Outcome{
		Source:  "192.0.2.66",
		Meta:    decoder.PacketMeta{Size: 2, Protocol: "bacnet"},
		ErrKind: decoder.ErrNonBVLL,
		Detail:  "first byte 0x55",
	}
	require.NoError(t, c.Observe(ctx, out, 500))

	total, _ := store.Get(ctx, "total")
	assert.Equal(t, "1", total, "errored packets still count")

	errs, err := store.SMembers(ctx, "error-traffic")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "non_bvll")
	assert.Contains(t, errs[0], "192.0.2.66")
}

// sinkRecorder captures alarm lifecycle events.
type sinkRecorder struct {
	raised  []int64
	cleared [][2]int64
	level   alerting.Level
	kinds   []string
}

func (s *sinkRecorder) AlarmRaised(_ context.Context, _, _ string, since int64, _ float64, level alerting.Level, kinds []string) {
	s.raised = append(s.raised, since)
	s.level = level
	s.kinds = kinds
}

func (s *sinkRecorder) AlarmCleared(_ context.Context, _, _ string, since, cleared int64) {
	s.cleared = append(s.cleared, [2]int64{since, cleared})
}

func seedSeries(t *testing.T, store kvstore.Store, key string, start int64, counts ...int64) {
	t.Helper()
	ctx := context.Background()
	for i, n := range counts {
		b := Bucket{Timestamp: start + int64(i), Count: n}
		require.NoError(t, store.LPush(ctx, key+":s", b.Encode()))
	}
}

func TestRateTaskArmAndAutoClear(t *testing.T) {
	store := kvstore.NewMemoryStore()
	sink := &sinkRecorder{}
	log := logging.New(logging.DefaultConfig())
	task := NewRateTask("k_rate", "K", 1, 10, 3, store, sink, nil, log)
	ctx := context.Background()

	seedSeries(t, store, "K", 1000, 5, 12, 15, 14, 13, 4, 3, 2)
	task.Tick(ctx, 1008)

	// Active at the third consecutive breach (ts 1003), cleared at the
	// third consecutive quiet sample (ts 1007).
	require.Len(t, sink.raised, 1)
	assert.Equal(t, int64(1003), sink.raised[0])
	assert.Equal(t, alerting.LevelWarning, sink.level)
	require.Len(t, sink.cleared, 1)
	assert.Equal(t, [2]int64{1003, 1007}, sink.cleared[0])
	assert.Equal(t, PhaseClear, task.AlarmPhase())

	exists, err := store.Exists(ctx, "K:alarm")
	require.NoError(t, err)
	assert.False(t, exists, "alarm key deleted on clear")

	history, err := store.LRange(ctx, "K:alarm-history", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "[1003, 1007]", history[0])

	legacy, err := store.SMembers(ctx, "critical-messages")
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.Contains(t, legacy[0], "k_rate/K/")

	assert.Equal(t, int64(1008), task.nextCheck, "advances past the last sample")
}

func TestRateTaskHysteresis(t *testing.T) {
	store := kvstore.NewMemoryStore()
	sink := &sinkRecorder{}
	task := NewRateTask("k_rate", "K", 1, 10, 3, store, sink, nil, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	// Two breaches then a quiet sample: arming resets, never active.
	seedSeries(t, store, "K", 1000, 12, 15, 5, 12, 12)
	task.Tick(ctx, 1005)

	assert.Empty(t, sink.raised)
	assert.Equal(t, PhaseArming, task.AlarmPhase())

	exists, err := store.Exists(ctx, "K:alarm")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRateTaskGapFill(t *testing.T) {
	store := kvstore.NewMemoryStore()
	sink := &sinkRecorder{}
	task := NewRateTask("k_rate", "K", 1, 10, 1, store, sink, nil, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	// Buckets only at 1000 and 1005; the four missing seconds read as zero
	// and clear the first alarm before the second breach.
	require.NoError(t, store.LPush(ctx, "K:s", Bucket{Timestamp: 1000, Count: 20}.Encode()))
	require.NoError(t, store.LPush(ctx, "K:s", Bucket{Timestamp: 1005, Count: 20}.Encode()))
	task.Tick(ctx, 1006)

	require.Len(t, sink.raised, 2)
	assert.Equal(t, []int64{1000, 1005}, sink.raised)
	require.Len(t, sink.cleared, 1)
	assert.Equal(t, [2]int64{1000, 1001}, sink.cleared[0])
	assert.Equal(t, PhaseActive, task.AlarmPhase())
}

func TestRateTaskNextCheckWithoutSamples(t *testing.T) {
	store := kvstore.NewMemoryStore()
	task := NewRateTask("k_rate", "K", 1, 10, 1, store, nil, nil, logging.New(logging.DefaultConfig()))

	task.Tick(context.Background(), 2000)
	assert.Equal(t, int64(2000), task.nextCheck, "no samples advances to now")
}

func TestRateTaskRecover(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "K:alarm", "500"))

	task := NewRateTask("k_rate", "K", 1, 10, 3, store, nil, nil, logging.New(logging.DefaultConfig()))
	task.Recover(ctx)

	assert.Equal(t, PhaseActive, task.AlarmPhase())
	assert.Equal(t, int64(500), task.Since())
	assert.Equal(t, int64(501), task.nextCheck, "samples before the alarm are skipped")
}
