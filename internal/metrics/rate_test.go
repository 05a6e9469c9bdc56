// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"bacmon.is/bacmon/internal/logging"
)

// testCollector creates a collector for testing.
func testCollector() *Collector {
	logger := logging.New(logging.DefaultConfig())
	return NewCollector(logger, time.Second)
}

func TestCalculateRate_Normal(t *testing.T) {
	c := testCollector()

	// Normal case: counter increased
	rate := c.calculateRate(1000, 500, 1.0)
	if rate != 500.0 {
		t.Errorf("Expected rate 500.0, got %f", rate)
	}
}

func TestCalculateRate_Reset(t *testing.T) {
	c := testCollector()

	// Reset case: current < previous (counter wrapped or reset)
	// Should treat current value as the delta since reset
	rate := c.calculateRate(100, 1000, 1.0)
	if rate != 100.0 {
		t.Errorf("On reset, expected rate 100.0 (current value), got %f", rate)
	}
}

func TestCalculateRate_ZeroElapsed(t *testing.T) {
	c := testCollector()

	// Zero elapsed time should return 0
	rate := c.calculateRate(1000, 500, 0.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for zero elapsed, got %f", rate)
	}
}

func TestCalculateRate_NegativeElapsed(t *testing.T) {
	c := testCollector()

	// Negative elapsed time should return 0
	rate := c.calculateRate(1000, 500, -1.0)
	if rate != 0.0 {
		t.Errorf("Expected rate 0.0 for negative elapsed, got %f", rate)
	}
}

func TestObserve_RateAcrossSamples(t *testing.T) {
	c := testCollector()

	c.Observe("IAmRequest,192.0.2.10,12345", "application-traffic", 100)
	time.Sleep(10 * time.Millisecond)
	c.Observe("IAmRequest,192.0.2.10,12345", "application-traffic", 200)

	stats := c.GetTrafficStats()
	s, ok := stats["IAmRequest,192.0.2.10,12345"]
	if !ok {
		t.Fatal("expected stats entry for observed key")
	}
	if s.Packets != 200 {
		t.Errorf("Expected cumulative 200, got %d", s.Packets)
	}
	if s.PacketsPS <= 0 {
		t.Errorf("Expected positive rate, got %f", s.PacketsPS)
	}
}

func TestObserve_ResetUsesCurrentAsDelta(t *testing.T) {
	c := testCollector()

	c.Observe("K", "ip-traffic", 1000)
	time.Sleep(10 * time.Millisecond)
	// Simulate a store flush: counter restarts from a lower value.
	c.Observe("K", "ip-traffic", 50)

	stats := c.GetTrafficStats()["K"]
	if stats.Packets != 50 {
		t.Errorf("Expected cumulative 50 after reset, got %d", stats.Packets)
	}
	if stats.PacketsPS <= 0 {
		t.Errorf("Expected positive rate from reset delta, got %f", stats.PacketsPS)
	}
}
