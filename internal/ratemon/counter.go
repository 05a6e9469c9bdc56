// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ratemon

import (
	"context"

	"bacmon.is/bacmon/internal/decoder"
	"bacmon.is/bacmon/internal/kvstore"
	"bacmon.is/bacmon/internal/logging"
	"bacmon.is/bacmon/internal/metrics"
)

// Counter turns decode outcomes into counter updates: the running total, the
// per-source tally, the family-key series at every resolution, and the
// category set memberships. One Observe call per packet, single writer.
type Counter struct {
	store     kvstore.Store
	intervals []*CountInterval
	registry  *metrics.Registry
	log       *logging.Logger
}

// NewCounter wires the counting front-end over a store.
func NewCounter(store kvstore.Store, intervals []*CountInterval, log *logging.Logger) *Counter {
	if intervals == nil {
		intervals = DefaultIntervals()
	}
	return &Counter{
		store:     store,
		intervals: intervals,
		registry:  metrics.Get(),
		log:       log.WithComponent("counter"),
	}
}

// Intervals exposes the counting intervals, for shutdown flushes.
func (c *Counter) Intervals() []*CountInterval { return c.intervals }

// Observe counts one decoded packet at time now. Every packet, classified or
// not, increments the total and the per-source counter; classified packets
// also count under their family key and join their category set.
func (c *Counter) Observe(ctx context.Context, out decoder.Outcome, now int64) error {
	c.registry.PacketsReceived.Inc()

	keys := []string{"total", out.Source}
	sets := map[string][]string{
		string(decoder.CategoryIP): {out.Source},
	}

	if out.BVLLKey != "" {
		keys = append(keys, out.BVLLKey)
		sets[string(decoder.CategoryBVLL)] = append(sets[string(decoder.CategoryBVLL)], out.BVLLKey)
	}
	if out.Classified() {
		c.registry.PacketsDecoded.WithLabelValues(string(out.Category)).Inc()
		if out.Key != out.BVLLKey {
			keys = append(keys, out.Key)
			sets[string(out.Category)] = append(sets[string(out.Category)], out.Key)
		}
	} else {
		c.registry.DecodeErrors.WithLabelValues(string(out.ErrKind)).Inc()
		sets[string(decoder.CategoryError)] = append(sets[string(decoder.CategoryError)], out.ErrorEntry())
	}

	err := c.store.Pipeline(ctx, func(pipe kvstore.Pipe) {
		for _, key := range keys {
			pipe.Incr(key)
			for _, ci := range c.intervals {
				ci.Count(ctx, c.store, pipe, key, now)
			}
		}
		for set, members := range sets {
			pipe.SAdd(set, members...)
		}
	})
	if err != nil {
		c.log.Warn("counter update failed", "source", out.Source, "error", err)
		return err
	}
	return nil
}

// Flush writes every interval's open-bucket mirrors out.
func (c *Counter) Flush(ctx context.Context) error {
	for _, ci := range c.intervals {
		if err := ci.Flush(ctx, c.store); err != nil {
			return err
		}
	}
	return nil
}
