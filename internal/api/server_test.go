// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/anomaly"
	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/config"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
	"bacmon.is/bacmon/internal/ratemon"
)

type testEnvelope struct {
	Status    string          `json:"status"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	Code      int             `json:"code"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
}

func pinTime(t *testing.T, ts int64) {
	t.Helper()
	clock.SetSource(func() time.Time { return time.Unix(ts, 0) })
	t.Cleanup(func() { clock.SetSource(nil) })
}

func newTestServer(t *testing.T, apiCfg *config.APIConfig) (*Server, *kvstore.MemoryStore, *alerting.Manager) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	log := logging.New(logging.DefaultConfig())
	alerts := alerting.NewManager(store, alerting.DefaultConfig(), nil, log)
	cfg := &config.Config{API: apiCfg}
	return NewServer(cfg, store, alerts, log), store, alerts
}

func do(t *testing.T, s *Server, method, target string, body string) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var env testEnvelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env),
			"body: %s", rec.Body.String())
	}
	return rec, env
}

func seedSeries(t *testing.T, store kvstore.Store, key, res string, buckets ...ratemon.Bucket) {
	t.Helper()
	ctx := context.Background()
	for _, b := range buckets {
		require.NoError(t, store.LPush(ctx, key+":"+res, b.Encode()))
	}
}

func TestStatusEnvelope(t *testing.T) {
	pinTime(t, 1700000100)
	s, store, _ := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "startup_time", "1700000000"))
	require.NoError(t, store.Set(ctx, "daemon_version", "1.0.0"))

	rec, env := do(t, s, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "v1", env.Version)
	assert.Equal(t, int64(1700000100), env.Timestamp)

	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "ok", data["kv"])
	assert.Equal(t, float64(100), data["uptime_seconds"])
	assert.Equal(t, "1.0.0", data["daemon_version"])
}

func TestMonitoringSeries(t *testing.T) {
	pinTime(t, 1700000010)
	s, store, _ := newTestServer(t, nil)
	seedSeries(t, store, "K", "s",
		ratemon.Bucket{Timestamp: 1700000007, Count: 3},
		ratemon.Bucket{Timestamp: 1700000008, Count: 5},
		ratemon.Bucket{Timestamp: 1700000009, Count: 2},
	)

	rec, env := do(t, s, http.MethodGet, "/api/v1/monitoring?keys=K&interval=s&range=1h", "")
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	var data struct {
		Interval string `json:"interval"`
		Data     map[string]struct {
			Samples []sample `json:"samples"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Contains(t, data.Data, "K")
	samples := data.Data["K"].Samples
	require.Len(t, samples, 3)
	assert.Equal(t, int64(1700000009), samples[0].TS, "newest first")
	assert.Equal(t, int64(2), samples[0].Count)
}

func TestMonitoringBadParams(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec, env := do(t, s, http.MethodGet, "/api/monitoring", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeMissingRequired, env.ErrorCode)

	rec, env = do(t, s, http.MethodGet, "/api/monitoring?keys=K&range=invalid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, ErrCodeBadTimeRange, env.ErrorCode)

	rec, env = do(t, s, http.MethodGet, "/api/monitoring?keys=K&interval=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadValue, env.ErrorCode)

	rec, env = do(t, s, http.MethodGet, "/api/monitoring?keys=K&limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrCodeBadPagination, env.ErrorCode)
}

func TestVersionNegotiation(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	_, env := do(t, s, http.MethodGet, "/api/v2/status", "")
	assert.Equal(t, "v2", env.Version)

	// The bare prefix aliases v1; Accept overrides it.
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept", "application/vnd.bacmon.v2+json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var env2 testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env2))
	assert.Equal(t, "v2", env2.Version)

	// v2-only routes do not exist on v1.
	rec2, _ := do(t, s, http.MethodGet, "/api/v1/data/aggregate?keys=K", "")
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestAuth(t *testing.T) {
	cfg := &config.APIConfig{
		RequireAuth: true,
		Keys: []config.APIKeyConfig{
			{Name: "reader", Key: "r-key", Permissions: []string{"read"}},
			{Name: "writer", Key: "w-key", Permissions: []string{"read", "write"}},
			{Name: "ops", Key: "a-key", Permissions: []string{"admin"}},
		},
	}
	s, _, _ := newTestServer(t, cfg)

	rec, _ := do(t, s, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "bogus")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "r-key")
	rec3 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusOK, rec3.Code)

	// A read key cannot hit an admin route.
	req = httptest.NewRequest(http.MethodPost, "/api/flush", nil)
	req.Header.Set("X-API-Key", "r-key")
	rec4 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec4, req)
	assert.Equal(t, http.StatusForbidden, rec4.Code)

	// Admin implies write and read.
	req = httptest.NewRequest(http.MethodPost, "/api/flush", nil)
	req.Header.Set("X-API-Key", "a-key")
	rec5 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec5, req)
	assert.Equal(t, http.StatusOK, rec5.Code)

	// A session cookie carries the same secret.
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "r-key"})
	rec6 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec6, req)
	assert.Equal(t, http.StatusOK, rec6.Code)

	// Closing out alerts is an admin operation; a write key is refused.
	req = httptest.NewRequest(http.MethodPost, "/api/alerts/some-uuid/resolve", nil)
	req.Header.Set("X-API-Key", "w-key")
	rec7 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec7, req)
	assert.Equal(t, http.StatusForbidden, rec7.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/alerts/some-uuid/acknowledge", nil)
	req.Header.Set("X-API-Key", "a-key")
	rec8 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec8, req)
	assert.Equal(t, http.StatusNotFound, rec8.Code, "admin passes the gate; the alert just does not exist")
}

func TestTrafficAndDevices(t *testing.T) {
	s, store, _ := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, store.SAdd(ctx, "ip-traffic", "192.0.2.10"))
	require.NoError(t, store.SAdd(ctx, "application-traffic", "IAmRequest,192.0.2.10,12345"))
	require.NoError(t, store.Set(ctx, "IAmRequest,192.0.2.10,12345", "7"))
	require.NoError(t, store.Set(ctx, "total", "11"))

	rec, env := do(t, s, http.MethodGet, "/api/traffic", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Total int64                       `json:"total"`
		Sets  map[string][]map[string]any `json:"sets"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, int64(11), data.Total)
	require.Len(t, data.Sets["ip-traffic"], 1)

	rec2, _ := do(t, s, http.MethodGet, "/api/traffic?type=nonsense", "")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)

	rec3, env3 := do(t, s, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec3.Code)
	var dev struct {
		Devices []map[string]any `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(env3.Data, &dev))
	require.Len(t, dev.Devices, 1)
	assert.Equal(t, "192.0.2.10", dev.Devices[0]["address"])
	assert.Equal(t, float64(12345), dev.Devices[0]["instance"])
	assert.Equal(t, float64(7), dev.Devices[0]["count"])
}

func TestAlertLifecycleOverAPI(t *testing.T) {
	pinTime(t, 1700000000)
	s, _, alerts := newTestServer(t, nil)
	a := alerts.Create(context.Background(), "K", "msg", alerting.LevelWarning, "s", "e", nil)
	require.NotNil(t, a)

	rec, env := do(t, s, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Alerts []alerting.Alert `json:"alerts"`
		Active int              `json:"active"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, 1, list.Active)

	rec2, _ := do(t, s, http.MethodGet, "/api/alerts/"+a.UUID, "")
	assert.Equal(t, http.StatusOK, rec2.Code)

	rec3, _ := do(t, s, http.MethodPost, "/api/alerts/"+a.UUID+"/acknowledge", "")
	assert.Equal(t, http.StatusOK, rec3.Code)

	rec4, _ := do(t, s, http.MethodPost, "/api/alerts/"+a.UUID+"/resolve", "")
	assert.Equal(t, http.StatusOK, rec4.Code)
	rec5, _ := do(t, s, http.MethodPost, "/api/alerts/"+a.UUID+"/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec5.Code, "second resolve is a miss")

	rec6, env6 := do(t, s, http.MethodGet, "/api/alerts/history", "")
	require.Equal(t, http.StatusOK, rec6.Code)
	var hist struct {
		Alerts []alerting.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(env6.Data, &hist))
	require.Len(t, hist.Alerts, 1)
	assert.True(t, hist.Alerts[0].Resolved)

	rec7, _ := do(t, s, http.MethodGet, "/api/alerts/no-such-uuid", "")
	assert.Equal(t, http.StatusNotFound, rec7.Code)
}

func TestAlertsFromOtherProcessVisible(t *testing.T) {
	pinTime(t, 1700000000)
	s, store, _ := newTestServer(t, nil)

	// The monitor daemon raises alerts through its own manager over the
	// shared store, after the API server has already started.
	daemon := alerting.NewManager(store, alerting.DefaultConfig(), nil, logging.New(logging.DefaultConfig()))
	a := daemon.Create(context.Background(), "K", "rate anomaly on K", alerting.LevelWarning, "rate-monitor", "k_rate", nil)
	require.NotNil(t, a)

	rec, env := do(t, s, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Alerts []alerting.Alert `json:"alerts"`
		Active int              `json:"active"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Alerts, 1)
	assert.Equal(t, a.UUID, list.Alerts[0].UUID)

	rec2, _ := do(t, s, http.MethodPost, "/api/alerts/"+a.UUID+"/resolve", "")
	assert.Equal(t, http.StatusOK, rec2.Code, "daemon-raised alerts are resolvable over the API")

	rec3, env3 := do(t, s, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec3.Code)
	require.NoError(t, json.Unmarshal(env3.Data, &list))
	assert.Equal(t, 0, list.Active)
}

func TestMaintenanceOverAPI(t *testing.T) {
	pinTime(t, 1700000000)
	s, _, alerts := newTestServer(t, nil)

	body := `{"name":"w1","start_ts":1700000000,"end_ts":1700003600,"key_patterns":["K"]}`
	rec, _ := do(t, s, http.MethodPost, "/api/alerts/maintenance", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, alerts.Windows(), 1)

	rec2, _ := do(t, s, http.MethodPost, "/api/alerts/maintenance", `{"name":"","start_ts":1,"end_ts":2}`)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)

	rec3, _ := do(t, s, http.MethodPost, "/api/alerts/maintenance", `{"name":"w2","start_ts":5,"end_ts":1}`)
	assert.Equal(t, http.StatusBadRequest, rec3.Code)

	rec4, env4 := do(t, s, http.MethodGet, "/api/alerts/maintenance", "")
	require.Equal(t, http.StatusOK, rec4.Code)
	var wins struct {
		Windows []alerting.MaintenanceWindow `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(env4.Data, &wins))
	assert.Len(t, wins.Windows, 1)

	rec5, _ := do(t, s, http.MethodPost, "/api/alerts/maintenance/delete", `{"name":"w1"}`)
	assert.Equal(t, http.StatusOK, rec5.Code)
	rec6, _ := do(t, s, http.MethodPost, "/api/alerts/maintenance/delete", `{"name":"w1"}`)
	assert.Equal(t, http.StatusNotFound, rec6.Code)
}

func TestClear(t *testing.T) {
	s, store, _ := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, store.SAdd(ctx, "ip-traffic", "192.0.2.10"))
	require.NoError(t, store.Set(ctx, "192.0.2.10", "9"))
	require.NoError(t, store.LPush(ctx, "192.0.2.10:s", "[100, 9]"))

	rec, _ := do(t, s, http.MethodGet, "/api/clear/ip-traffic,192.0.2.10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	members, err := store.SMembers(ctx, "ip-traffic")
	require.NoError(t, err)
	assert.Empty(t, members)
	_, err = store.Get(ctx, "192.0.2.10")
	assert.Equal(t, kvstore.ErrNotFound, err)
	series, err := store.LRange(ctx, "192.0.2.10:s", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, series)

	rec2, env2 := do(t, s, http.MethodGet, "/api/clear/not-a-set,K", "")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Equal(t, ErrCodeInvalidName, env2.ErrorCode)
}

func TestAggregate(t *testing.T) {
	pinTime(t, 1700000010)
	s, store, _ := newTestServer(t, nil)
	seedSeries(t, store, "K", "s",
		ratemon.Bucket{Timestamp: 1700000007, Count: 3},
		ratemon.Bucket{Timestamp: 1700000008, Count: 5},
		ratemon.Bucket{Timestamp: 1700000009, Count: 2},
	)

	rec, env := do(t, s, http.MethodGet, "/api/v2/data/aggregate?keys=K&function=avg&window=1h", "")
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var data struct {
		Function string         `json:"function"`
		Results  map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.InDelta(t, 10.0/3.0, data.Results["K"], 0.001)

	_, env = do(t, s, http.MethodGet, "/api/v2/data/aggregate?keys=K&function=max&window=1h", "")
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(5), data.Results["K"])

	_, env = do(t, s, http.MethodGet, "/api/v2/data/aggregate?keys=K&function=first&window=1h", "")
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(3), data.Results["K"], "first is the oldest bucket")

	_, env = do(t, s, http.MethodGet, "/api/v2/data/aggregate?keys=empty&function=count&window=1h", "")
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, float64(0), data.Results["empty"])

	rec2, _ := do(t, s, http.MethodGet, "/api/v2/data/aggregate?keys=K&function=median", "")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestAnomaliesEndpoint(t *testing.T) {
	pinTime(t, 1700000010)
	s, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	// Verdicts land in the store the way the rate monitor records them.
	m := anomaly.NewManager("K", anomaly.DefaultConfig(20, 1), logging.New(logging.DefaultConfig()))
	require.NoError(t, m.StoreResult(ctx, store, anomaly.Combined{
		Timestamp: 1700000000, Value: 500, Anomalous: true, Score: 0.9,
		Kinds: []string{"threshold"},
	}))
	// Alarm timestamps are stored as plain integer seconds.
	require.NoError(t, store.Set(ctx, "K:alarm", "1700000003"))

	rec, env := do(t, s, http.MethodGet, "/api/anomalies?key=K", "")
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var data struct {
		Key              string             `json:"key"`
		History          []anomaly.Combined `json:"history"`
		TypeDistribution map[string]int64   `json:"type_distribution"`
		Alarm            *struct {
			Active bool  `json:"active"`
			Since  int64 `json:"since"`
		} `json:"alarm"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.History, 1)
	assert.Equal(t, 500.0, data.History[0].Value)
	assert.Equal(t, int64(1), data.TypeDistribution["threshold"])
	require.NotNil(t, data.Alarm)
	assert.True(t, data.Alarm.Active)
	assert.Equal(t, int64(1700000003), data.Alarm.Since)

	rec2, env2 := do(t, s, http.MethodGet, "/api/anomalies", "")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Equal(t, ErrCodeMissingRequired, env2.ErrorCode)
}

func TestStatusTrafficRates(t *testing.T) {
	pinTime(t, 1700000100)
	s, _, _ := newTestServer(t, nil)
	c := metrics.NewCollector(logging.New(logging.DefaultConfig()), time.Hour)
	s.SetCollector(c)
	c.Observe("IAmRequest,192.0.2.10,12345", "application", 5)

	_, env := do(t, s, http.MethodGet, "/api/status", "")
	var data struct {
		TrafficRates map[string]json.RawMessage `json:"traffic_rates"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Contains(t, data.TrafficRates, "IAmRequest,192.0.2.10,12345")
}

func TestExportCSV(t *testing.T) {
	pinTime(t, 1700000010)
	s, store, _ := newTestServer(t, nil)
	seedSeries(t, store, "K", "s", ratemon.Bucket{Timestamp: 1700000009, Count: 2})

	req := httptest.NewRequest(http.MethodGet, "/api/export?type=monitoring&format=csv&keys=K", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "key,interval,ts,count", lines[0])
	assert.Equal(t, "K,s,1700000009,2", lines[1])

	rec2, _ := do(t, s, http.MethodGet, "/api/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestMonitoringStreamEmitsBuckets(t *testing.T) {
	s, store, _ := newTestServer(t, nil)
	s.streamPoll = 5 * time.Millisecond
	seedSeries(t, store, "K", "s", ratemon.Bucket{Timestamp: 1700000009, Count: 2})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/v2/monitoring/stream?keys=K&interval=s", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "event: bucket") {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), `"ts":1700000009`)
}
