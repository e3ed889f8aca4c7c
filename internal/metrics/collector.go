package metrics

import (
	"context"
	"time"
)

// Snapshot is a point-in-time sample of server state.
type Snapshot struct {
	Sessions         int
	ActiveRequests   int64
	ActiveFetches    int
	ActiveStores     int
	ProxyAssignments int

	Entries          int
	StoredBytes      int64
	ActiveWriters    int64
	PendingWaits     int
	Materializations int64

	LiveViews   int
	MemoryBytes int64
	MappedBytes int64
}

// Source provides snapshots to a Collector.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector periodically copies a Source's snapshot into gauges.
type Collector struct {
	metrics  *ServerMetrics
	source   Source
	interval time.Duration
}

// NewCollector creates a collector sampling every interval.
func NewCollector(m *ServerMetrics, src Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{metrics: m, source: src, interval: interval}
}

// Collect samples once.
func (c *Collector) Collect() {
	s := c.source.MetricsSnapshot()
	m := c.metrics

	m.Sessions.Set(float64(s.Sessions))
	m.ActiveRequests.Set(float64(s.ActiveRequests))
	m.ActiveFetches.Set(float64(s.ActiveFetches))
	m.ActiveStores.Set(float64(s.ActiveStores))
	m.ProxyAssignments.Set(float64(s.ProxyAssignments))

	m.Entries.Set(float64(s.Entries))
	m.StoredBytes.Set(float64(s.StoredBytes))
	m.ActiveWriters.Set(float64(s.ActiveWriters))
	m.PendingWaits.Set(float64(s.PendingWaits))
	m.Materializations.Set(float64(s.Materializations))

	m.LiveViews.Set(float64(s.LiveViews))
	m.MemoryBytes.Set(float64(s.MemoryBytes))
	m.MappedBytes.Set(float64(s.MappedBytes))
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.Collect()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
