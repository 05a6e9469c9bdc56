// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/ratemon"
)

// sample is one series point as the API renders it.
type sample struct {
	TS    int64 `json:"ts"`
	Count int64 `json:"count"`
}

// trafficSets maps the traffic type parameter onto the category set keys.
var trafficSets = map[string]string{
	"ip":          "ip-traffic",
	"bvll":        "bvll-traffic",
	"network":     "network-traffic",
	"application": "application-traffic",
	"error":       "error-traffic",
}

// resolutionOf validates the interval parameter; empty means seconds.
func resolutionOf(param string) (string, int64, bool) {
	switch param {
	case "", ratemon.ResSecond:
		return ratemon.ResSecond, 1, true
	case ratemon.ResMinute:
		return ratemon.ResMinute, 60, true
	case ratemon.ResHour:
		return ratemon.ResHour, 3600, true
	}
	return "", 0, false
}

// parseWindow accepts "900", "15m", "6h" or "7d" and returns seconds.
func parseWindow(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}
	unit := int64(1)
	switch s[len(s)-1] {
	case 's':
		s = s[:len(s)-1]
	case 'm':
		unit, s = 60, s[:len(s)-1]
	case 'h':
		unit, s = 3600, s[:len(s)-1]
	case 'd':
		unit, s = 86400, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad window %q", s)
	}
	return n * unit, nil
}

// pageParams reads limit and offset; zero limit means unbounded.
func pageParams(r *http.Request) (limit, offset int, err error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("bad limit %q", raw)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("bad offset %q", raw)
		}
	}
	return limit, offset, nil
}

// timeRange resolves the start/end of a query: explicit start/end win, then a
// relative range, then the given default window back from now.
func timeRange(r *http.Request, defaultWindow int64) (start, end int64, err error) {
	q := r.URL.Query()
	end = clock.Unix()
	start = end - defaultWindow

	if raw := q.Get("range"); raw != "" {
		window, err := parseWindow(raw)
		if err != nil {
			return 0, 0, err
		}
		start = end - window
	}
	if raw := q.Get("start"); raw != "" {
		start, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad start %q", raw)
		}
	}
	if raw := q.Get("end"); raw != "" {
		end, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad end %q", raw)
		}
	}
	if start > end {
		return 0, 0, fmt.Errorf("start after end")
	}
	return start, end, nil
}

// readSeries loads one key's flushed series at a resolution, newest first.
// Unparseable records are skipped.
func (s *Server) readSeries(r *http.Request, key, res string) ([]sample, error) {
	raw, err := s.store.LRange(r.Context(), key+":"+res, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]sample, 0, len(raw))
	for _, rec := range raw {
		b, err := ratemon.ParseBucket(rec)
		if err != nil {
			s.log.Warn("skipping bad series record", "key", key, "record", rec)
			continue
		}
		out = append(out, sample{TS: b.Timestamp, Count: b.Count})
	}
	return out, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := s.statusData(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, data)
}

// statusData assembles the daemon status snapshot; the REST endpoint and the
// websocket feed share it.
func (s *Server) statusData(ctx context.Context) (map[string]any, error) {
	if err := s.store.Ping(ctx); err != nil {
		return nil, err
	}

	data := map[string]any{"kv": "ok"}
	if raw, err := s.store.Get(ctx, "startup_time"); err == nil {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			data["startup_time"] = ts
			data["uptime_seconds"] = clock.Unix() - ts
		}
	}
	if raw, err := s.store.Get(ctx, "daemon_version"); err == nil {
		data["daemon_version"] = raw
	}
	if raw, err := s.store.Get(ctx, "flush_time"); err == nil {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			data["flush_time"] = ts
		}
	}
	if s.alerts != nil {
		if err := s.alerts.Refresh(ctx); err != nil {
			s.log.Warn("alert refresh failed", "error", err)
		}
		data["active_alerts"] = s.alerts.ActiveCount()
	} else {
		data["active_alerts"] = 0
	}
	if s.collector != nil {
		data["traffic_rates"] = s.collector.GetTrafficStats()
	}
	return data, nil
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	keysParam := q.Get("keys")
	if keysParam == "" {
		WriteError(w, r, http.StatusBadRequest, "missing required parameter: keys", ErrCodeMissingRequired)
		return
	}
	res, _, ok := resolutionOf(q.Get("interval"))
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "interval must be one of s, m, h", ErrCodeBadValue)
		return
	}
	start, end, err := timeRange(r, 3600)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadTimeRange)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadPagination)
		return
	}

	series := make(map[string]any)
	for _, key := range strings.Split(keysParam, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		samples, err := s.readSeries(r, key, res)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		filtered := samples[:0:0]
		for _, smp := range samples {
			if smp.TS >= start && smp.TS <= end {
				filtered = append(filtered, smp)
			}
		}
		filtered = pageSamples(filtered, limit, offset)
		series[key] = map[string]any{"key": key, "interval": res, "samples": filtered}
	}

	WriteJSON(w, r, http.StatusOK, map[string]any{
		"interval": res,
		"start":    start,
		"end":      end,
		"data":     series,
	})
}

func pageSamples(samples []sample, limit, offset int) []sample {
	if offset >= len(samples) {
		return []sample{}
	}
	samples = samples[offset:]
	if limit > 0 && limit < len(samples) {
		samples = samples[:limit]
	}
	return samples
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = "all"
	}
	if kind != "all" {
		if _, ok := trafficSets[kind]; !ok {
			WriteError(w, r, http.StatusBadRequest, "unknown traffic type", ErrCodeBadValue)
			return
		}
	}

	sets := make(map[string]any)
	for name, setKey := range trafficSets {
		if kind != "all" && kind != name {
			continue
		}
		members, err := s.store.SMembers(ctx, setKey)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		entries := make([]map[string]any, 0, len(members))
		for _, m := range members {
			entry := map[string]any{"key": m}
			if raw, err := s.store.Get(ctx, m); err == nil {
				if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
					entry["count"] = n
				}
			}
			entries = append(entries, entry)
		}
		sets[setKey] = entries
	}

	data := map[string]any{"sets": sets}
	if raw, err := s.store.Get(ctx, "total"); err == nil {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			data["total"] = n
		}
	}
	WriteJSON(w, r, http.StatusOK, data)
}

// handleDevices lists devices seen announcing themselves, derived from the
// I-Am family keys in the application traffic set.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	members, err := s.store.SMembers(ctx, "application-traffic")
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	devices := make([]map[string]any, 0)
	for _, m := range members {
		parts := strings.Split(m, ",")
		if len(parts) != 3 || parts[0] != "IAmRequest" {
			continue
		}
		dev := map[string]any{"address": parts[1], "key": m}
		if inst, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			dev["instance"] = inst
		}
		if raw, err := s.store.Get(ctx, m); err == nil {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				dev["count"] = n
			}
		}
		devices = append(devices, dev)
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("key")
	if key == "" {
		WriteError(w, r, http.StatusBadRequest, "missing required parameter: key", ErrCodeMissingRequired)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadPagination)
		return
	}
	if limit == 0 {
		limit = 100
	}

	raw, err := s.store.LRange(ctx, key+":enhanced_anomaly_history", int64(offset), int64(offset+limit-1))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	history := make([]json.RawMessage, 0, len(raw))
	for _, rec := range raw {
		if json.Valid([]byte(rec)) {
			history = append(history, json.RawMessage(rec))
		}
	}

	data := map[string]any{"key": key, "history": history}

	if raw, err := s.store.Get(ctx, key+":anomaly_type_distribution"); err == nil {
		var dist map[string]int64
		if json.Unmarshal([]byte(raw), &dist) == nil {
			data["type_distribution"] = dist
		}
	}
	if raw, err := s.store.Get(ctx, key+":alarm"); err == nil {
		if since, err := strconv.ParseInt(raw, 10, 64); err == nil {
			data["alarm"] = map[string]any{"active": true, "since": since}
		}
	}
	WriteJSON(w, r, http.StatusOK, data)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		WriteError(w, r, http.StatusBadRequest, "format must be json or csv", ErrCodeBadValue)
		return
	}

	switch kind := q.Get("type"); kind {
	case "", "monitoring":
		s.exportMonitoring(w, r, format)
	case "alerts":
		s.exportAlerts(w, r, format)
	default:
		WriteError(w, r, http.StatusBadRequest, "type must be monitoring or alerts", ErrCodeBadValue)
	}
}

func (s *Server) exportMonitoring(w http.ResponseWriter, r *http.Request, format string) {
	q := r.URL.Query()
	keysParam := q.Get("keys")
	if keysParam == "" {
		WriteError(w, r, http.StatusBadRequest, "missing required parameter: keys", ErrCodeMissingRequired)
		return
	}
	res, _, ok := resolutionOf(q.Get("interval"))
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "interval must be one of s, m, h", ErrCodeBadValue)
		return
	}

	series := make(map[string][]sample)
	keys := strings.Split(keysParam, ",")
	for _, key := range keys {
		samples, err := s.readSeries(r, key, res)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		series[key] = samples
	}

	if format == "json" {
		WriteJSON(w, r, http.StatusOK, map[string]any{"interval": res, "series": series})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="monitoring.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"key", "interval", "ts", "count"})
	for _, key := range keys {
		for _, smp := range series[key] {
			cw.Write([]string{key, res,
				strconv.FormatInt(smp.TS, 10), strconv.FormatInt(smp.Count, 10)})
		}
	}
	cw.Flush()
}

func (s *Server) exportAlerts(w http.ResponseWriter, r *http.Request, format string) {
	var active, history []alerting.Alert
	if s.alerts != nil {
		active = s.alerts.Query(alerting.LevelDebug, 0, 0)
		history = s.alerts.History(alerting.LevelDebug, 0, 0)
	}

	if format == "json" {
		WriteJSON(w, r, http.StatusOK, map[string]any{"active": active, "history": history})
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"uuid", "key", "level", "entity", "source", "created", "resolved", "message"})
	for _, a := range append(active, history...) {
		cw.Write([]string{a.UUID, a.Key, a.Level.String(), a.Entity, a.Source,
			strconv.FormatInt(a.Created, 10), strconv.FormatBool(a.Resolved), a.Message})
	}
	cw.Flush()
}

// handleClear removes one key from a category set along with its counters,
// series, and alarm state.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(mux.Vars(r)["target"], ",", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		WriteError(w, r, http.StatusBadRequest, "expected /clear/{set},{key}", ErrCodeBadValue)
		return
	}
	set, key := parts[0], parts[1]

	known := false
	for _, name := range trafficSets {
		if set == name {
			known = true
			break
		}
	}
	switch set {
	case "critical-messages", "alert-messages", "warning-messages":
		known = true
	}
	if !known {
		WriteError(w, r, http.StatusBadRequest, "unknown set name", ErrCodeInvalidName)
		return
	}

	ctx := r.Context()
	if err := s.store.SRem(ctx, set, key); err != nil && err != kvstore.ErrNotFound {
		s.storeError(w, r, err)
		return
	}
	for _, suffix := range []string{
		"", ":s", ":si", ":sn", ":m", ":mi", ":mn", ":h", ":hi", ":hn",
		":alarm", ":alarm-history", ":enhanced_anomaly_history", ":anomaly_type_distribution",
	} {
		if err := s.store.Delete(ctx, key+suffix); err != nil && err != kvstore.ErrNotFound {
			s.storeError(w, r, err)
			return
		}
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"set": set, "cleared": key})
}

// handleFlush records an operator-requested cache flush. The monitor daemon
// mirrors its open buckets continuously; this stamps the flush time so
// dashboards can show when state was last forced out.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	now := clock.Unix()
	if err := s.store.Set(r.Context(), "flush_time", strconv.FormatInt(now, 10)); err != nil {
		s.storeError(w, r, err)
		return
	}
	WriteJSON(w, r, http.StatusOK, map[string]any{"flush_time": now})
}

// handleAggregate computes one summary value per key over a trailing window.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keysParam := q.Get("keys")
	if keysParam == "" {
		WriteError(w, r, http.StatusBadRequest, "missing required parameter: keys", ErrCodeMissingRequired)
		return
	}
	fn := q.Get("function")
	if fn == "" {
		fn = "avg"
	}
	switch fn {
	case "avg", "max", "min", "sum", "count", "first", "last":
	default:
		WriteError(w, r, http.StatusBadRequest, "unknown aggregate function", ErrCodeBadValue)
		return
	}
	window := int64(3600)
	if raw := q.Get("window"); raw != "" {
		var err error
		window, err = parseWindow(raw)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, err.Error(), ErrCodeBadTimeRange)
			return
		}
	}
	res, _, ok := resolutionOf(q.Get("interval"))
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "interval must be one of s, m, h", ErrCodeBadValue)
		return
	}

	since := clock.Unix() - window
	results := make(map[string]any)
	for _, key := range strings.Split(keysParam, ",") {
		key = strings.TrimSpace(key)
		samples, err := s.readSeries(r, key, res)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		// Newest first on the wire; aggregate over the window.
		var counts []int64
		for _, smp := range samples {
			if smp.TS >= since {
				counts = append(counts, smp.Count)
			}
		}
		results[key] = aggregate(fn, counts)
	}

	WriteJSON(w, r, http.StatusOK, map[string]any{
		"function": fn,
		"window":   window,
		"interval": res,
		"results":  results,
	})
}

// aggregate reduces a newest-first count slice. An empty series yields nil
// for value functions and zero for count.
func aggregate(fn string, counts []int64) any {
	if fn == "count" {
		return len(counts)
	}
	if len(counts) == 0 {
		return nil
	}
	switch fn {
	case "sum", "avg":
		var sum int64
		for _, c := range counts {
			sum += c
		}
		if fn == "sum" {
			return sum
		}
		return float64(sum) / float64(len(counts))
	case "max":
		m := counts[0]
		for _, c := range counts[1:] {
			if c > m {
				m = c
			}
		}
		return m
	case "min":
		m := counts[0]
		for _, c := range counts[1:] {
			if c < m {
				m = c
			}
		}
		return m
	case "first":
		return counts[len(counts)-1]
	case "last":
		return counts[0]
	}
	return nil
}
