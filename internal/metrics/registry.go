// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes prometheus instrumentation for the monitor and a
// collector that derives rates for the API.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every prometheus metric the daemon publishes.
type Registry struct {
	PacketsReceived   prometheus.Counter
	PacketsDecoded    *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	BucketsFlushed    *prometheus.CounterVec
	KVRetries         prometheus.Gauge
	KVDropped         prometheus.Gauge
	ActiveAlarms      prometheus.Gauge
	AlertsCreated     *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	APIRequests       *prometheus.CounterVec
	Uptime            prometheus.Gauge
}

var (
	registry *Registry
	once     sync.Once
)

// Get returns the process-wide metric registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		registry = &Registry{
			PacketsReceived: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bacmon_packets_received_total",
				Help: "UDP datagrams received on the monitored port.",
			}),
			PacketsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_packets_decoded_total",
				Help: "Packets classified into a traffic family, by category.",
			}, []string{"category"}),
			DecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_decode_errors_total",
				Help: "Packets rejected by the decoder, by error kind.",
			}, []string{"kind"}),
			BucketsFlushed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_buckets_flushed_total",
				Help: "Completed count buckets written to the store, by resolution.",
			}, []string{"resolution"}),
			KVRetries: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "bacmon_kv_retries_total",
				Help: "Store operations retried after transient failure.",
			}),
			KVDropped: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "bacmon_kv_dropped_updates_total",
				Help: "Store operations abandoned after exhausting retries.",
			}),
			ActiveAlarms: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "bacmon_active_alarms",
				Help: "Monitored keys currently in the Active alarm state.",
			}),
			AlertsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_alerts_created_total",
				Help: "Alerts admitted by the alert manager, by level.",
			}, []string{"level"}),
			AlertsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_alerts_suppressed_total",
				Help: "Alerts dropped before admission, by gate.",
			}, []string{"reason"}),
			NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_notifications_sent_total",
				Help: "Notification channel sends, by channel and outcome.",
			}, []string{"channel", "status"}),
			APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bacmon_api_requests_total",
				Help: "API requests served, by method and status class.",
			}, []string{"method", "status"}),
			Uptime: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "bacmon_uptime_seconds",
				Help: "Seconds since daemon start.",
			}),
		}
	})
	return registry
}
