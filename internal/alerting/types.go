// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import "strings"

// Level is the severity of an alert.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelAlert
	LevelCritical
	LevelEmergency
)

var levelNames = map[Level]string{
	LevelDebug:     "debug",
	LevelInfo:      "info",
	LevelWarning:   "warning",
	LevelAlert:     "alert",
	LevelCritical:  "critical",
	LevelEmergency: "emergency",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a level name to its Level; unknown names map to Debug so
// filters default to everything.
func ParseLevel(name string) Level {
	for l, n := range levelNames {
		if n == strings.ToLower(name) {
			return l
		}
	}
	return LevelDebug
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON accepts a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	*l = ParseLevel(strings.Trim(string(data), `"`))
	return nil
}

// Alert is one externally visible event. Active alerts live in the
// active_alerts hash; resolved alerts move to the bounded history list.
type Alert struct {
	UUID              string         `json:"uuid"`
	Key               string         `json:"key"`
	Message           string         `json:"message"`
	Level             Level          `json:"level"`
	Source            string         `json:"source"`
	Entity            string         `json:"entity"`
	Details           map[string]any `json:"details,omitempty"`
	Created           int64          `json:"created_ts"`
	Acknowledged      bool           `json:"acknowledged"`
	Resolved          bool           `json:"resolved"`
	NotificationsSent int            `json:"notifications_sent"`
}

// MaintenanceWindow suppresses matching alerts during [Start, End]. Empty
// pattern lists match every alert.
type MaintenanceWindow struct {
	Name           string   `json:"name"`
	Start          int64    `json:"start_ts"`
	End            int64    `json:"end_ts"`
	EntityPatterns []string `json:"entity_patterns"`
	KeyPatterns    []string `json:"key_patterns"`
}

// Active reports whether the window covers ts.
func (w MaintenanceWindow) Active(ts int64) bool {
	return ts >= w.Start && ts <= w.End
}

// Matches reports whether the window suppresses an alert for entity/key.
// A window with no patterns at all matches everything.
func (w MaintenanceWindow) Matches(entity, key string) bool {
	if len(w.EntityPatterns) == 0 && len(w.KeyPatterns) == 0 {
		return true
	}
	for _, p := range w.EntityPatterns {
		if strings.Contains(entity, p) {
			return true
		}
	}
	for _, p := range w.KeyPatterns {
		if strings.Contains(key, p) {
			return true
		}
	}
	return false
}
