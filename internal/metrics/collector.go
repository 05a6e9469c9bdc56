// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"
	"time"

	"bacmon.is/bacmon/internal/clock"
	"bacmon.is/bacmon/internal/logging"
)

// StoreHealth reports the resilience counters of the backing store.
type StoreHealth interface {
	Retries() uint64
	DroppedUpdates() uint64
}

// TrafficStats holds packet statistics for one traffic family key.
type TrafficStats struct {
	Key       string  `json:"key"`
	Category  string  `json:"category,omitempty"`
	Packets   uint64  `json:"packets"`
	PacketsPS float64 `json:"packets_per_sec"`
	LastSeen  int64   `json:"last_seen_unix,omitempty"`

	// Previous values for rate calculation (not exported to JSON)
	prevPackets   uint64    `json:"-"`
	prevTimestamp time.Time `json:"-"`
}

// Collector derives per-family packet rates from the cumulative counters the
// monitor maintains and keeps the prometheus registry current.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}

	// Cached metrics for API access
	mu           sync.RWMutex
	lastUpdate   time.Time
	trafficStats map[string]*TrafficStats

	store     StoreHealth
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *logging.Logger, interval time.Duration) *Collector {
	return &Collector{
		registry:     Get(),
		logger:       logger,
		interval:     interval,
		stopCh:       make(chan struct{}),
		trafficStats: make(map[string]*TrafficStats),
		startTime:    clock.Now(),
	}
}

// SetStoreHealth wires the backing store's resilience counters into the
// registry. Call before Start.
func (c *Collector) SetStoreHealth(s StoreHealth) {
	c.store = s
}

// Start begins the metrics collection loop.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the metrics collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.Uptime.Set(clock.Now().Sub(c.startTime).Seconds())
	if c.store != nil {
		c.registry.KVRetries.Set(float64(c.store.Retries()))
		c.registry.KVDropped.Set(float64(c.store.DroppedUpdates()))
	}
	c.lastUpdate = clock.Now()
}

// Observe records the current cumulative packet count for a family key and
// updates its rate.
func (c *Collector) Observe(key, category string, packets uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := clock.Now()
	stats, ok := c.trafficStats[key]
	if !ok {
		stats = &TrafficStats{Key: key, Category: category}
		c.trafficStats[key] = stats
	}

	if !stats.prevTimestamp.IsZero() {
		elapsed := now.Sub(stats.prevTimestamp).Seconds()
		if elapsed > 0 {
			stats.PacketsPS = c.calculateRate(packets, stats.prevPackets, elapsed)
		}
	}

	stats.prevPackets = packets
	stats.prevTimestamp = now
	stats.Packets = packets
	if packets > 0 {
		stats.LastSeen = now.Unix()
	}
}

// calculateRate computes the rate between two counter values, handling resets.
// If current < previous (counter reset), treats current as the delta from zero.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}

// GetTrafficStats returns a copy of the current per-family statistics.
func (c *Collector) GetTrafficStats() map[string]*TrafficStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*TrafficStats, len(c.trafficStats))
	for k, v := range c.trafficStats {
		copy := *v
		result[k] = &copy
	}
	return result
}

// GetLastUpdate returns the timestamp of the last metrics collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
