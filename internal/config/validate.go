// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"
	"strings"

	"bacmon.is/bacmon/internal/errors"
)

var validPermissions = map[string]bool{
	"read":  true,
	"write": true,
	"admin": true,
}

// Validate checks ranges and cross-field constraints. Errors carry the
// offending block and attribute so startup failures are actionable.
func (c *Config) Validate() error {
	if c.Monitor.Address == "" {
		return errors.New(errors.KindConfig, "monitor: address is required")
	}
	if _, _, err := net.ParseCIDR(c.Monitor.Address); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "monitor: address %q is not a CIDR", c.Monitor.Address)
	}
	for _, b := range c.Monitor.BBMD {
		if net.ParseIP(b) == nil {
			return errors.Errorf(errors.KindConfig, "monitor: bbmd %q is not an IP address", b)
		}
	}
	if c.Monitor.Port < 1 || c.Monitor.Port > 65535 {
		return errors.Errorf(errors.KindConfig, "monitor: port %d out of range", c.Monitor.Port)
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return errors.Errorf(errors.KindConfig, "redis: port %d out of range", c.Redis.Port)
	}

	rm := c.RateMonitoring
	if rm.ScanIntervalMS < 1000 || rm.ScanIntervalMS > 60000 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: scan_interval %d must be 1000-60000 ms", rm.ScanIntervalMS)
	}
	if rm.Sensitivity < 0.1 || rm.Sensitivity > 10 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: sensitivity %g must be 0.1-10", rm.Sensitivity)
	}
	if rm.SpikeSensitivity < 1 || rm.SpikeSensitivity > 10 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: spike_sensitivity %g must be 1-10", rm.SpikeSensitivity)
	}
	if rm.ZThreshold < 1 || rm.ZThreshold > 10 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: z_threshold %g must be 1-10", rm.ZThreshold)
	}
	if rm.TrendThreshold < 0.05 || rm.TrendThreshold > 1 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: trend_threshold %g must be 0.05-1", rm.TrendThreshold)
	}
	if rm.HourGranularity < 1 || rm.HourGranularity > 12 {
		return errors.Errorf(errors.KindConfig, "rate_monitoring: hour_granularity %d must be 1-12", rm.HourGranularity)
	}
	for _, r := range rm.Rates {
		if r.Key == "" {
			return errors.Errorf(errors.KindConfig, "rate_monitoring: rate %q: key is required", r.Name)
		}
		switch r.Interval {
		case 1, 60, 3600:
		default:
			return errors.Errorf(errors.KindConfig, "rate_monitoring: rate %q: interval %d must be 1, 60 or 3600", r.Name, r.Interval)
		}
		if r.MaxValue < 1 {
			return errors.Errorf(errors.KindConfig, "rate_monitoring: rate %q: max_value must be positive", r.Name)
		}
		if r.Duration < 1 {
			return errors.Errorf(errors.KindConfig, "rate_monitoring: rate %q: duration must be positive", r.Name)
		}
	}

	for _, k := range c.API.Keys {
		if k.Key == "" {
			return errors.Errorf(errors.KindConfig, "api: key %q: key value is required", k.Name)
		}
		if len(k.Permissions) == 0 {
			return errors.Errorf(errors.KindConfig, "api: key %q: permissions must not be empty", k.Name)
		}
		for _, p := range k.Permissions {
			if !validPermissions[p] {
				return errors.Errorf(errors.KindConfig, "api: key %q: unknown permission %q", k.Name, p)
			}
		}
	}

	if e := c.Alerts.Email; e != nil && e.Enabled {
		if e.Server == "" || e.From == "" || len(e.To) == 0 {
			return errors.New(errors.KindConfig, "alerts: email channel needs server, from and to")
		}
	}
	if w := c.Alerts.Webhook; w != nil && w.Enabled {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return errors.Errorf(errors.KindConfig, "alerts: webhook url %q must be http(s)", w.URL)
		}
	}
	if l := c.Alerts.Logfile; l != nil && l.Enabled && l.Path == "" {
		return errors.New(errors.KindConfig, "alerts: logfile channel needs a path")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.Errorf(errors.KindConfig, "logging: format %q must be json or text", c.Logging.Format)
	}
	if sl := c.Logging.Syslog; sl != nil && sl.Enabled {
		if sl.Host == "" {
			return errors.New(errors.KindConfig, "logging: syslog needs a host")
		}
		switch sl.Protocol {
		case "", "udp", "tcp":
		default:
			return errors.Errorf(errors.KindConfig, "logging: syslog protocol %q must be udp or tcp", sl.Protocol)
		}
		if sl.Facility < 0 || sl.Facility > 23 {
			return errors.Errorf(errors.KindConfig, "logging: syslog facility %d must be 0-23", sl.Facility)
		}
	}

	return nil
}
