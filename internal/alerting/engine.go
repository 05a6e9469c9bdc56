// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting owns the alert lifecycle: admission through maintenance
// and rate-limit gates, persistence of active alerts and history, and
// hand-off to the notification dispatcher.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

const historyMax = 1000

// Store keys used by the manager.
const (
	activeAlertsKey       = "active_alerts"
	alertHistoryKey       = "alert_history"
	maintenanceWindowsKey = "maintenance_windows"
)

// Notifier receives admitted alerts for delivery. The notification
// dispatcher implements it; a nil Notifier disables delivery.
type Notifier interface {
	Enqueue(alert Alert)
}

// Config tunes the admission gates.
type Config struct {
	MaxAlertsPerHour int
	CooldownSeconds  int64
}

// DefaultConfig returns the standard admission limits.
func DefaultConfig() Config {
	return Config{MaxAlertsPerHour: 10, CooldownSeconds: 300}
}

// Manager is the alert manager. The in-memory active set is authoritative;
// the store mirrors it for the API and for restarts.
type Manager struct {
	mu       sync.Mutex
	store    kvstore.Store
	cfg      Config
	notifier Notifier
	log      *logging.Logger

	active  map[string]*Alert
	history []Alert
	windows []MaintenanceWindow
}

// NewManager builds an alert manager over a store.
func NewManager(store kvstore.Store, cfg Config, notifier Notifier, log *logging.Logger) *Manager {
	if cfg.MaxAlertsPerHour <= 0 {
		cfg.MaxAlertsPerHour = 10
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = 300
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		log:      log.WithComponent("alerting"),
		active:   make(map[string]*Alert),
	}
}

// Load restores alert state persisted by a previous process. Corrupt entries
// are dropped with a warning.
func (m *Manager) Load(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Info("alert state restored",
		"active", len(m.active), "resolved", len(m.history),
		"maintenance_windows", len(m.windows))
	return nil
}

// Refresh replaces the in-memory state with what the store holds. The API
// process calls it before answering alert queries so alerts raised by the
// monitor daemon after startup are visible.
func (m *Manager) Refresh(ctx context.Context) error {
	entries, err := m.store.HGetAll(ctx, activeAlertsKey)
	if err != nil {
		return err
	}
	active := make(map[string]*Alert, len(entries))
	for id, raw := range entries {
		var a Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			m.log.Warn("dropping corrupt active alert", "uuid", id, "error", err)
			continue
		}
		active[a.UUID] = &a
	}

	// The store list is newest first; in-memory history appends oldest
	// first.
	var history []Alert
	if records, err := m.store.LRange(ctx, alertHistoryKey, 0, historyMax-1); err == nil {
		history = make([]Alert, 0, len(records))
		for i := len(records) - 1; i >= 0; i-- {
			var a Alert
			if err := json.Unmarshal([]byte(records[i]), &a); err != nil {
				m.log.Warn("dropping corrupt resolved alert", "error", err)
				continue
			}
			history = append(history, a)
		}
	}

	var windows []MaintenanceWindow
	if raw, err := m.store.Get(ctx, maintenanceWindowsKey); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &windows); err != nil {
			m.log.Warn("dropping corrupt maintenance windows", "error", err)
			windows = nil
		}
	}

	m.mu.Lock()
	m.active = active
	m.history = history
	m.windows = windows
	m.mu.Unlock()
	return nil
}

// Create runs the admission pipeline and returns the admitted alert, or nil
// when a gate suppressed it.
func (m *Manager) Create(ctx context.Context, key, message string, level Level, source, entity string, details map[string]any) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := clock.Unix()

	for _, w := range m.windows {
		if w.Active(now) && w.Matches(entity, key) {
			metrics.Get().AlertsSuppressed.WithLabelValues("maintenance").Inc()
			m.log.Debug("alert suppressed by maintenance window",
				"window", w.Name, "key", key, "entity", entity)
			return nil
		}
	}

	if reason := m.rateLimited(key, entity, now); reason != "" {
		metrics.Get().AlertsSuppressed.WithLabelValues(reason).Inc()
		m.log.Debug("alert suppressed", "reason", reason, "key", key, "entity", entity)
		return nil
	}

	alert := &Alert{
		UUID:    alertUUID(key, now, message),
		Key:     key,
		Message: message,
		Level:   level,
		Source:  source,
		Entity:  entity,
		Details: details,
		Created: now,
	}
	m.active[alert.UUID] = alert
	m.persistActive(ctx, alert)
	m.addLegacyMessage(ctx, alert)

	metrics.Get().AlertsCreated.WithLabelValues(level.String()).Inc()
	m.log.Info("alert created",
		"uuid", alert.UUID, "key", key, "level", level.String(), "message", message)

	if m.notifier != nil {
		m.notifier.Enqueue(*alert)
	}
	return alert
}

// rateLimited applies the per-key hourly cap and the per-(key,entity)
// cooldown. Bookkeeping scans the bounded in-memory history.
func (m *Manager) rateLimited(key, entity string, now int64) string {
	recent := 0
	for _, a := range m.active {
		if a.Key == key && now-a.Created < 3600 {
			recent++
		}
		if a.Key == key && a.Entity == entity && now-a.Created < m.cfg.CooldownSeconds {
			return "cooldown"
		}
	}
	for _, a := range m.history {
		if a.Key == key && now-a.Created < 3600 {
			recent++
		}
		if a.Key == key && a.Entity == entity && now-a.Created < m.cfg.CooldownSeconds {
			return "cooldown"
		}
	}
	if recent >= m.cfg.MaxAlertsPerHour {
		return "rate_limit"
	}
	return ""
}

// alertUUID derives a stable identifier from the alert's identity tuple.
func alertUUID(key string, created int64, message string) string {
	name := fmt.Sprintf("%s|%d|%s", key, created, message)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (m *Manager) persistActive(ctx context.Context, a *Alert) {
	raw, err := json.Marshal(a)
	if err != nil {
		m.log.Warn("alert marshal failed", "uuid", a.UUID, "error", err)
		return
	}
	if err := m.store.HSet(ctx, activeAlertsKey, a.UUID, string(raw)); err != nil {
		m.log.Warn("alert persist failed", "uuid", a.UUID, "error", err)
	}
}

// addLegacyMessage mirrors the alert into the old per-level message sets.
func (m *Manager) addLegacyMessage(ctx context.Context, a *Alert) {
	var set string
	switch {
	case a.Level >= LevelCritical:
		set = "critical-messages"
	case a.Level == LevelAlert:
		set = "alert-messages"
	case a.Level == LevelWarning:
		set = "warning-messages"
	default:
		return
	}
	entry := fmt.Sprintf("%s/%s/%s", a.Entity, a.Key, a.Message)
	if err := m.store.SAdd(ctx, set, entry); err != nil {
		m.log.Warn("legacy message persist failed", "set", set, "error", err)
	}
}

// Acknowledge marks an active alert acknowledged. Idempotent.
func (m *Manager) Acknowledge(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.active[id]
	if !ok {
		return false
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		m.persistActive(ctx, a)
	}
	return true
}

// Resolve closes an active alert and moves it to history. The second call
// for the same id returns false.
func (m *Manager) Resolve(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[id]
	if !ok {
		return false
	}
	m.resolveLocked(ctx, a)
	return true
}

// ResolveByKey resolves every active alert raised by source for key; used by
// rate tasks when an alarm auto-clears.
func (m *Manager) ResolveByKey(ctx context.Context, key, source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := 0
	for _, a := range m.active {
		if a.Key == key && a.Source == source {
			m.resolveLocked(ctx, a)
			resolved++
		}
	}
	return resolved
}

func (m *Manager) resolveLocked(ctx context.Context, a *Alert) {
	a.Resolved = true
	delete(m.active, a.UUID)

	m.history = append(m.history, *a)
	if len(m.history) > historyMax {
		m.history = m.history[1:]
	}

	if err := m.store.HDel(ctx, activeAlertsKey, a.UUID); err != nil {
		m.log.Warn("alert delete failed", "uuid", a.UUID, "error", err)
	}
	raw, err := json.Marshal(a)
	if err == nil {
		if err := m.store.LPush(ctx, alertHistoryKey, string(raw)); err != nil {
			m.log.Warn("alert history push failed", "uuid", a.UUID, "error", err)
		} else if err := m.store.LTrim(ctx, alertHistoryKey, 0, historyMax-1); err != nil {
			m.log.Warn("alert history trim failed", "error", err)
		}
	}

	m.log.Info("alert resolved", "uuid", a.UUID, "key", a.Key)
}

// Get returns an alert by id, searching active alerts then history.
func (m *Manager) Get(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.active[id]; ok {
		return *a, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].UUID == id {
			return m.history[i], true
		}
	}
	return Alert{}, false
}

// Query returns active alerts at or above minLevel, newest first.
func (m *Manager) Query(minLevel Level, limit, offset int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		if a.Level >= minLevel {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}
		return out[i].UUID < out[j].UUID
	})
	return page(out, limit, offset)
}

// History returns resolved alerts at or above minLevel, newest first.
func (m *Manager) History(minLevel Level, limit, offset int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Level >= minLevel {
			out = append(out, m.history[i])
		}
	}
	return page(out, limit, offset)
}

func page(alerts []Alert, limit, offset int) []Alert {
	if offset >= len(alerts) {
		return []Alert{}
	}
	alerts = alerts[offset:]
	if limit > 0 && limit < len(alerts) {
		alerts = alerts[:limit]
	}
	return alerts
}

// ActiveCount reports the number of open alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// MarkNotified increments the delivery counter for an alert if it is still
// active.
func (m *Manager) MarkNotified(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.active[id]; ok {
		a.NotificationsSent++
		m.persistActive(ctx, a)
	}
}

// AddWindow installs a maintenance window and persists the set.
func (m *Manager) AddWindow(ctx context.Context, w MaintenanceWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.windows {
		if m.windows[i].Name == w.Name {
			m.windows[i] = w
			return m.persistWindowsLocked(ctx)
		}
	}
	m.windows = append(m.windows, w)
	return m.persistWindowsLocked(ctx)
}

// DeleteWindow removes a maintenance window by name.
func (m *Manager) DeleteWindow(ctx context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.windows {
		if m.windows[i].Name == name {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			if err := m.persistWindowsLocked(ctx); err != nil {
				m.log.Warn("maintenance window persist failed", "error", err)
			}
			return true
		}
	}
	return false
}

// Windows returns the installed maintenance windows.
func (m *Manager) Windows() []MaintenanceWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MaintenanceWindow, len(m.windows))
	copy(out, m.windows)
	return out
}

func (m *Manager) persistWindowsLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.windows)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, maintenanceWindowsKey, string(raw))
}

// AlarmRaised implements the rate-task alert sink: an alarm going active
// raises a rate-anomaly alert.
func (m *Manager) AlarmRaised(ctx context.Context, task, key string, since int64, value float64, level Level, kinds []string) {
	message := fmt.Sprintf("rate anomaly on %s: value %.0f", key, value)
	m.Create(ctx, key, message, level, "rate-monitor", task, map[string]any{
		"since":         since,
		"value":         value,
		"anomaly_types": kinds,
	})
}

// AlarmCleared implements the rate-task alert sink: an alarm clearing
// resolves the open rate-anomaly alert for the key.
func (m *Manager) AlarmCleared(ctx context.Context, task, key string, since, cleared int64) {
	if n := m.ResolveByKey(ctx, key, "rate-monitor"); n == 0 {
		m.log.Debug("no open alert for cleared alarm", "task", task, "key", key, "since", since, "cleared", cleared)
	}
}
