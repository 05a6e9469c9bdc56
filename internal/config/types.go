// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides the typed configuration record consumed by the
// monitor and API server, loaded from HCL.
package config

// Config is the root configuration record.
type Config struct {
	Monitor        MonitorConfig         `hcl:"monitor,block" json:"monitor"`
	Redis          RedisConfig           `hcl:"redis,block" json:"redis"`
	RateMonitoring *RateMonitoringConfig `hcl:"rate_monitoring,block" json:"rate_monitoring,omitempty"`
	API            *APIConfig            `hcl:"api,block" json:"api,omitempty"`
	Alerts         *AlertsConfig         `hcl:"alerts,block" json:"alerts,omitempty"`
	Logging        *LoggingConfig        `hcl:"logging,block" json:"logging,omitempty"`
}

// MonitorConfig configures packet capture.
type MonitorConfig struct {
	Interface string   `hcl:"interface,optional" json:"interface,omitempty"`
	Address   string   `hcl:"address" json:"address"` // CIDR, e.g. 192.0.2.10/24
	Port      int      `hcl:"port,optional" json:"port,omitempty"`
	BBMD      []string `hcl:"bbmd,optional" json:"bbmd,omitempty"` // addresses allowed to forward NPDUs
}

// RedisConfig configures the key-value store connection.
type RedisConfig struct {
	Host           string `hcl:"host,optional" json:"host,omitempty"`
	Port           int    `hcl:"port,optional" json:"port,omitempty"`
	DB             int    `hcl:"db,optional" json:"db,omitempty"`
	Password       string `hcl:"password,optional" json:"password,omitempty"`
	TimeoutMS      int    `hcl:"timeout_ms,optional" json:"timeout_ms,omitempty"`
	MaxRetries     int    `hcl:"max_retries,optional" json:"max_retries,omitempty"`
	RetryBackoffMS int    `hcl:"retry_backoff_ms,optional" json:"retry_backoff_ms,omitempty"`
}

// RateMonitoringConfig configures the rate tasks and detectors.
type RateMonitoringConfig struct {
	ScanIntervalMS       int     `hcl:"scan_interval,optional" json:"scan_interval,omitempty"` // milliseconds
	UseEnhancedDetection bool    `hcl:"use_enhanced_detection,optional" json:"use_enhanced_detection,omitempty"`
	Sensitivity          float64 `hcl:"sensitivity,optional" json:"sensitivity,omitempty"`
	SpikeSensitivity     float64 `hcl:"spike_sensitivity,optional" json:"spike_sensitivity,omitempty"`
	ZThreshold           float64 `hcl:"z_threshold,optional" json:"z_threshold,omitempty"`
	TrendThreshold       float64 `hcl:"trend_threshold,optional" json:"trend_threshold,omitempty"`
	HourGranularity      int     `hcl:"hour_granularity,optional" json:"hour_granularity,omitempty"`

	Rates []RateConfig `hcl:"rate,block" json:"rate,omitempty"`
}

// RateConfig is one monitored key with its threshold.
type RateConfig struct {
	Name     string `hcl:"name,label" json:"name"`
	Key      string `hcl:"key" json:"key"`
	Interval int    `hcl:"interval" json:"interval"` // seconds: 1, 60 or 3600
	MaxValue int    `hcl:"max_value" json:"max_value"`
	Duration int    `hcl:"duration" json:"duration"` // consecutive samples to set/clear
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Listen      string         `hcl:"listen,optional" json:"listen,omitempty"`
	RequireAuth bool           `hcl:"require_auth,optional" json:"require_auth,omitempty"`
	Keys        []APIKeyConfig `hcl:"key,block" json:"key,omitempty"`
}

// APIKeyConfig is one API key and its permission set.
type APIKeyConfig struct {
	Name        string   `hcl:"name,label" json:"name"`
	Key         string   `hcl:"key" json:"key"`
	Permissions []string `hcl:"permissions" json:"permissions"` // subset of read, write, admin
}

// AlertsConfig configures the alert manager.
type AlertsConfig struct {
	MaxAlertsPerHour int `hcl:"max_alerts_per_hour,optional" json:"max_alerts_per_hour,omitempty"`
	CooldownSeconds  int `hcl:"cooldown_seconds,optional" json:"cooldown_seconds,omitempty"`

	Email   *EmailChannelConfig   `hcl:"email,block" json:"email,omitempty"`
	Webhook *WebhookChannelConfig `hcl:"webhook,block" json:"webhook,omitempty"`
	Logfile *LogfileChannelConfig `hcl:"logfile,block" json:"logfile,omitempty"`
}

// EmailChannelConfig configures the SMTP notification channel.
type EmailChannelConfig struct {
	Enabled  bool     `hcl:"enabled,optional" json:"enabled"`
	MinLevel string   `hcl:"min_level,optional" json:"min_level,omitempty"`
	Server   string   `hcl:"server" json:"server"`
	Port     int      `hcl:"port,optional" json:"port,omitempty"`
	Username string   `hcl:"username,optional" json:"username,omitempty"`
	Password string   `hcl:"password,optional" json:"password,omitempty"`
	UseTLS   bool     `hcl:"use_tls,optional" json:"use_tls,omitempty"`
	From     string   `hcl:"from" json:"from"`
	To       []string `hcl:"to" json:"to"`
}

// WebhookChannelConfig configures the HTTP notification channel.
type WebhookChannelConfig struct {
	Enabled   bool              `hcl:"enabled,optional" json:"enabled"`
	MinLevel  string            `hcl:"min_level,optional" json:"min_level,omitempty"`
	URL       string            `hcl:"url" json:"url"`
	Headers   map[string]string `hcl:"headers,optional" json:"headers,omitempty"`
	TimeoutMS int               `hcl:"timeout_ms,optional" json:"timeout_ms,omitempty"`
}

// LogfileChannelConfig configures the append-to-file notification channel.
type LogfileChannelConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	MinLevel string `hcl:"min_level,optional" json:"min_level,omitempty"`
	Path     string `hcl:"path" json:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	Format string        `hcl:"format,optional" json:"format,omitempty"` // json or text
	File   string        `hcl:"file,optional" json:"file,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards log records to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled"`
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"` // udp or tcp
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}
