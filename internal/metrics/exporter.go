package metrics

import (
	"context"
	"time"

	"github.com/xerrors/vllmrouter/internal/config"
)

// Exporter periodically mirrors fleet.State into the Collector's gauges.
// Adapted from the teacher's internal/metrics/exporter.go: same ticker
// shape, reading from the fleet's config.Store instead of a backend.Pool.
type Exporter struct {
	collector *Collector
	store     *config.Store
}

// NewExporter creates a metrics exporter over the given fleet store.
func NewExporter(collector *Collector, store *config.Store) *Exporter {
	return &Exporter{collector: collector, store: store}
}

// Start runs the export loop until ctx is cancelled.
func (e *Exporter) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.export()
		}
	}
}

func (e *Exporter) export() {
	for _, b := range e.store.State().All() {
		healthy := 0.0
		if b.IsHealthy() {
			healthy = 1.0
		}
		e.collector.BackendHealthy.WithLabelValues(b.URL).Set(healthy)

		load := b.Load()
		e.collector.BackendRunning.WithLabelValues(b.URL).Set(float64(load.NumRequestsRunning))
		e.collector.BackendWaiting.WithLabelValues(b.URL).Set(float64(load.NumRequestsWaiting))
		e.collector.BackendGPUCache.WithLabelValues(b.URL).Set(load.GPUCacheUsagePerc)
		e.collector.BackendSystemLoad.WithLabelValues(b.URL).Set(load.SystemLoad)
	}
}
