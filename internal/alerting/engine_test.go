// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
)

type queueRecorder struct {
	alerts []Alert
}

func (q *queueRecorder) Enqueue(a Alert) { q.alerts = append(q.alerts, a) }

func pinTime(t *testing.T, ts int64) func(int64) {
	t.Helper()
	set := func(v int64) {
		clock.SetSource(func() time.Time { return time.Unix(v, 0) })
	}
	set(ts)
	t.Cleanup(func() { clock.SetSource(nil) })
	return set
}

func newTestManager(t *testing.T) (*Manager, *kvstore.MemoryStore, *queueRecorder) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	q := &queueRecorder{}
	return NewManager(store, DefaultConfig(), q, logging.New(logging.DefaultConfig())), store, q
}

func TestCreatePersistsAndEnqueues(t *testing.T) {
	pinTime(t, 1700000000)
	m, store, q := newTestManager(t)
	ctx := context.Background()

	a := m.Create(ctx, "K", "rate anomaly on K", LevelWarning, "rate-monitor", "k_rate", nil)
	require.NotNil(t, a)
	assert.NotEmpty(t, a.UUID)
	assert.Equal(t, int64(1700000000), a.Created)

	raw, err := store.HGet(ctx, "active_alerts", a.UUID)
	require.NoError(t, err)
	var stored Alert
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "K", stored.Key)
	assert.Equal(t, LevelWarning, stored.Level)

	require.Len(t, q.alerts, 1)
	assert.Equal(t, a.UUID, q.alerts[0].UUID)

	legacy, err := store.SMembers(ctx, "warning-messages")
	require.NoError(t, err)
	require.Len(t, legacy, 1)
	assert.Equal(t, "k_rate/K/rate anomaly on K", legacy[0])
}

func TestCooldownSuppresses(t *testing.T) {
	set := pinTime(t, 1700000000)
	m, _, q := newTestManager(t)
	ctx := context.Background()

	require.NotNil(t, m.Create(ctx, "K", "first", LevelWarning, "s", "e", nil))
	assert.Nil(t, m.Create(ctx, "K", "second", LevelWarning, "s", "e", nil),
		"same key+entity within cooldown must be dropped")

	// A different entity is not in cooldown; a different key is clean.
	assert.NotNil(t, m.Create(ctx, "K", "other entity", LevelWarning, "s", "e2", nil))
	assert.NotNil(t, m.Create(ctx, "L", "other key", LevelWarning, "s", "e", nil))

	// After the cooldown expires the same pair is admitted again.
	set(1700000000 + 301)
	assert.NotNil(t, m.Create(ctx, "K", "third", LevelWarning, "s", "e", nil))
	assert.Len(t, q.alerts, 4)
}

func TestHourlyRateLimit(t *testing.T) {
	set := pinTime(t, 1700000000)
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 15; i++ {
		// Distinct entities and spaced timestamps dodge the cooldown gate
		// so only the hourly cap applies.
		set(1700000000 + int64(i))
		if m.Create(ctx, "K", "msg", LevelWarning, "s", string(rune('a'+i)), nil) != nil {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
}

func TestMaintenanceWindowSuppresses(t *testing.T) {
	pinTime(t, 1700000000)
	m, _, q := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddWindow(ctx, MaintenanceWindow{
		Name:        "k-window",
		Start:       1700000000 - 60,
		End:         1700000000 + 60,
		KeyPatterns: []string{"K"},
	}))

	assert.Nil(t, m.Create(ctx, "K", "suppressed", LevelCritical, "s", "e", nil))
	assert.NotNil(t, m.Create(ctx, "L", "unmatched key", LevelCritical, "s", "e", nil))
	assert.Len(t, q.alerts, 1)
}

func TestMaintenanceWindowEmptyPatternsMatchAll(t *testing.T) {
	pinTime(t, 1700000000)
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddWindow(ctx, MaintenanceWindow{
		Name:  "blackout",
		Start: 1700000000 - 60,
		End:   1700000000 + 60,
	}))
	assert.Nil(t, m.Create(ctx, "anything", "msg", LevelEmergency, "s", "e", nil))

	require.True(t, m.DeleteWindow(ctx, "blackout"))
	assert.NotNil(t, m.Create(ctx, "anything", "msg", LevelEmergency, "s", "e", nil))
}

func TestAcknowledgeAndResolve(t *testing.T) {
	pinTime(t, 1700000000)
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	a := m.Create(ctx, "K", "msg", LevelAlert, "s", "e", nil)
	require.NotNil(t, a)

	assert.True(t, m.Acknowledge(ctx, a.UUID))
	assert.True(t, m.Acknowledge(ctx, a.UUID), "acknowledge is idempotent")
	got, ok := m.Get(a.UUID)
	require.True(t, ok)
	assert.True(t, got.Acknowledged)

	assert.True(t, m.Resolve(ctx, a.UUID))
	assert.False(t, m.Resolve(ctx, a.UUID), "second resolve returns false")
	assert.Equal(t, 0, m.ActiveCount())

	// Moved to history, removed from the active hash.
	_, err := store.HGet(ctx, "active_alerts", a.UUID)
	assert.Error(t, err)
	history, err := store.LRange(ctx, "alert_history", 0, -1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	got, ok = m.Get(a.UUID)
	require.True(t, ok, "resolved alerts stay reachable by uuid")
	assert.True(t, got.Resolved)
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	set := pinTime(t, 1700000000)
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	levels := []Level{LevelInfo, LevelWarning, LevelAlert, LevelCritical}
	for i, l := range levels {
		set(1700000000 + int64(i*400))
		require.NotNil(t, m.Create(ctx, "K"+l.String(), "msg", l, "s", "e", nil))
	}

	all := m.Query(LevelDebug, 0, 0)
	assert.Len(t, all, 4)
	assert.Equal(t, LevelCritical, all[0].Level, "newest first")

	warnings := m.Query(LevelWarning, 0, 0)
	assert.Len(t, warnings, 3)

	paged := m.Query(LevelDebug, 2, 2)
	assert.Len(t, paged, 2)
	assert.Empty(t, m.Query(LevelDebug, 10, 10))
}

func TestLoadRestoresState(t *testing.T) {
	pinTime(t, 1700000000)
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	a := m.Create(ctx, "K", "msg", LevelWarning, "s", "e", nil)
	require.NotNil(t, a)
	require.NoError(t, m.AddWindow(ctx, MaintenanceWindow{Name: "w", Start: 1, End: 2}))

	fresh := NewManager(store, DefaultConfig(), nil, logging.New(logging.DefaultConfig()))
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, 1, fresh.ActiveCount())
	assert.Len(t, fresh.Windows(), 1)

	got, ok := fresh.Get(a.UUID)
	require.True(t, ok)
	assert.Equal(t, "K", got.Key)
}

func TestRefreshSeesOtherProcessWrites(t *testing.T) {
	set := pinTime(t, 1700000000)
	writer, store, _ := newTestManager(t)
	ctx := context.Background()

	// A reader built before any alerts exist, as the API process is.
	reader := NewManager(store, DefaultConfig(), nil, logging.New(logging.DefaultConfig()))
	require.NoError(t, reader.Load(ctx))
	assert.Equal(t, 0, reader.ActiveCount())

	a := writer.Create(ctx, "K", "msg", LevelWarning, "s", "e", nil)
	require.NotNil(t, a)

	require.NoError(t, reader.Refresh(ctx))
	assert.Equal(t, 1, reader.ActiveCount())
	got, ok := reader.Get(a.UUID)
	require.True(t, ok)
	assert.Equal(t, "K", got.Key)

	// Resolution in the writer shows up after the next refresh.
	set(1700000400)
	require.True(t, writer.Resolve(ctx, a.UUID))
	require.NoError(t, reader.Refresh(ctx))
	assert.Equal(t, 0, reader.ActiveCount())
	history := reader.History(LevelDebug, 0, 0)
	require.Len(t, history, 1)
	assert.Equal(t, a.UUID, history[0].UUID)
}

func TestAlarmSink(t *testing.T) {
	pinTime(t, 1700000000)
	m, _, q := newTestManager(t)
	ctx := context.Background()

	m.AlarmRaised(ctx, "k_rate", "K", 1699999990, 42, LevelWarning, []string{"threshold"})
	require.Len(t, q.alerts, 1)
	assert.Equal(t, "rate-monitor", q.alerts[0].Source)
	assert.Equal(t, 1, m.ActiveCount())

	m.AlarmCleared(ctx, "k_rate", "K", 1699999990, 1700000050)
	assert.Equal(t, 0, m.ActiveCount())
}

func TestLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarning, LevelAlert, LevelCritical, LevelEmergency} {
		raw, err := json.Marshal(l)
		require.NoError(t, err)
		var back Level
		require.NoError(t, json.Unmarshal(raw, &back))
		if back != l {
			t.Errorf("level %v round-tripped to %v", l, back)
		}
	}
	assert.Equal(t, LevelAlert, ParseLevel("Alert"))
	assert.Equal(t, LevelDebug, ParseLevel("nonsense"))
}
