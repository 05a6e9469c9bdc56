// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"

	"bacmon.is/bacmon/internal/errors"
)

// DefaultPath is used when no configuration path is given.
const DefaultPath = "/etc/bacmon/bacmon.hcl"

// Default values applied after decode.
const (
	DefaultBACnetPort     = 47808
	DefaultRedisPort      = 6379
	DefaultScanIntervalMS = 10000
	DefaultAPIListen      = ":8080"
)

// Load reads, decodes, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// evalContext exposes a few variables to HCL expressions, so configs can say
// e.g. `port = bacnet_port`.
func evalContext() *hcl.EvalContext {
	host, _ := os.Hostname()
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"hostname":    cty.StringVal(host),
			"bacnet_port": cty.NumberIntVal(DefaultBACnetPort),
		},
	}
}

// LoadBytes decodes and validates configuration from raw HCL.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, evalContext(), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to parse config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Monitor.Port == 0 {
		c.Monitor.Port = DefaultBACnetPort
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Redis.TimeoutMS == 0 {
		c.Redis.TimeoutMS = 2000
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.RetryBackoffMS == 0 {
		c.Redis.RetryBackoffMS = 100
	}

	if c.RateMonitoring == nil {
		c.RateMonitoring = &RateMonitoringConfig{}
	}
	rm := c.RateMonitoring
	if rm.ScanIntervalMS == 0 {
		rm.ScanIntervalMS = DefaultScanIntervalMS
	}
	if rm.Sensitivity == 0 {
		rm.Sensitivity = 1.0
	}
	if rm.SpikeSensitivity == 0 {
		rm.SpikeSensitivity = 3.0
	}
	if rm.ZThreshold == 0 {
		rm.ZThreshold = 3.0
	}
	if rm.TrendThreshold == 0 {
		rm.TrendThreshold = 0.3
	}
	if rm.HourGranularity == 0 {
		rm.HourGranularity = 2
	}
	for i := range rm.Rates {
		if rm.Rates[i].Duration == 0 {
			rm.Rates[i].Duration = 1
		}
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	if c.Alerts == nil {
		c.Alerts = &AlertsConfig{}
	}
	if c.Alerts.MaxAlertsPerHour == 0 {
		c.Alerts.MaxAlertsPerHour = 10
	}
	if c.Alerts.CooldownSeconds == 0 {
		c.Alerts.CooldownSeconds = 300
	}
	if c.Alerts.Webhook != nil && c.Alerts.Webhook.TimeoutMS == 0 {
		c.Alerts.Webhook.TimeoutMS = 10000
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
