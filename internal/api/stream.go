// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"bacmon.is/bacmon/internal/alerting"
	"bacmon.is/bacmon/internal/ratemon"
)

// responseWriter records the status code for the logging middleware while
// passing Flush and Hijack through for the streaming and websocket routes.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// startSSE switches the connection to an event stream. A nil flusher means
// the stack cannot stream.
func startSSE(w http.ResponseWriter, r *http.Request) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, http.StatusInternalServerError, "streaming unsupported", 0)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	flusher.Flush()
}

// handleMonitoringStream pushes newly flushed buckets for the requested keys
// as server-sent events until the client disconnects.
func (s *Server) handleMonitoringStream(w http.ResponseWriter, r *http.Request) {
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
	keys := strings.Split(keysParam, ",")

	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	lastSeen := make(map[string]int64, len(keys))
	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, key := range keys {
			head, err := s.store.LRange(ctx, key+":"+res, 0, 0)
			if err != nil || len(head) == 0 {
				continue
			}
			b, err := ratemon.ParseBucket(head[0])
			if err != nil {
				continue
			}
			if b.Timestamp <= lastSeen[key] {
				continue
			}
			lastSeen[key] = b.Timestamp
			writeEvent(w, flusher, "bucket", map[string]any{
				"key": key, "interval": res, "ts": b.Timestamp, "count": b.Count,
			})
		}
	}
}

// handleAlertStream pushes the active alerts at connect, then every newly
// admitted alert, as server-sent events.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if !s.alertsReady(w, r) {
		return
	}
	flusher, ok := startSSE(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	seen := make(map[string]bool)
	emit := func() {
		if err := s.alerts.Refresh(ctx); err != nil {
			return
		}
		for _, a := range s.alerts.Query(alerting.LevelDebug, 0, 0) {
			if seen[a.UUID] {
				continue
			}
			seen[a.UUID] = true
			writeEvent(w, flusher, "alert", a)
		}
	}
	emit()

	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}

// handleWSStatus feeds the status snapshot over a websocket on a fixed
// cadence, for dashboards that keep a live connection.
func (s *Server) handleWSStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	send := func() error {
		data, err := s.statusData(ctx)
		if err != nil {
			data = map[string]any{"kv": "unavailable"}
		}
		return conn.WriteJSON(data)
	}
	if err := send(); err != nil {
		return
	}

	ticker := time.NewTicker(5 * s.streamPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
