// Package health is the Health Monitor (C2): periodically probes each
// backend, maintains rolling response-time/success-rate stats, and flips
// the health bit with hysteresis. See SPEC_FULL.md §4.2.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/fleet"
	"github.com/xerrors/vllmrouter/internal/logging"
	"github.com/xerrors/vllmrouter/internal/metrics"
)

// Monitor runs the periodic active health-check loop against every
// configured backend and the auto-recovery sidecar.
type Monitor struct {
	store     *config.Store
	logger    *logging.Logger
	client    *http.Client
	onTick    func(tick int) // optional hook, used to trigger the model catalog every Kth tick
	ticks     int
	ticksMu   sync.Mutex
	collector *metrics.Collector
}

// NewMonitor builds a health monitor. timeout bounds each probe attempt
// (health_check_timeout). onTick, if non-nil, is invoked once per
// completed tick with the 1-based tick count — the catalog component
// uses this to refresh every 10th cycle (SPEC_FULL.md §4.4). collector may
// be nil, in which case probe results are not recorded as metrics.
func NewMonitor(store *config.Store, logger *logging.Logger, timeout time.Duration, onTick func(tick int), collector *metrics.Collector) *Monitor {
	return &Monitor{
		store:     store,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		onTick:    onTick,
		collector: collector,
	}
}

// Start runs the health-check loop until ctx is cancelled, sleeping
// interval between ticks (SPEC_FULL.md §5: "sleeps for its interval,
// wakes, performs an operation, and sleeps again").
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	m.logger.Info("health_monitor_started", "interval_s", interval.Seconds())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health_monitor_stopped")
			return
		case <-ticker.C:
			m.RunTick()
		}
	}
}

// RunTick probes every backend once, applies hysteresis, runs the
// auto-recovery sidecar, and invokes the tick callback.
func (m *Monitor) RunTick() {
	policy := m.store.HealthPolicy()
	backends := m.store.State().All()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *fleet.Backend) {
			defer wg.Done()
			m.probeAndUpdate(b, policy)
		}(b)
	}
	wg.Wait()

	recoveryThreshold := time.Duration(m.store.AppConfig().AutoRecoveryThreshold) * time.Second
	for _, b := range backends {
		if b.MaybeAutoRecover(recoveryThreshold, policy.ActiveCheckEnabled) {
			m.logger.Info("backend_auto_recovered", "url", b.URL)
		}
	}

	m.ticksMu.Lock()
	m.ticks++
	tick := m.ticks
	m.ticksMu.Unlock()

	if m.onTick != nil {
		m.onTick(tick)
	}
}

// probeAndUpdate performs one sequential /health -> /v1/models probe and
// applies its result to the backend's rolling stats and health bit.
func (m *Monitor) probeAndUpdate(b *fleet.Backend, policy fleet.HealthPolicy) {
	ok, elapsed := m.probe(b.URL)

	if m.collector != nil {
		result := "success"
		if !ok {
			result = "failure"
		}
		m.collector.HealthChecksTotal.WithLabelValues(b.URL, result).Inc()
	}

	b.RecordProbeResult(ok, elapsed, policy.WindowSize)
	wasHealthy := b.IsHealthy()

	var flipped bool
	if policy.ActiveCheckEnabled {
		flipped = b.RecomputeHealth(policy)
	} else {
		flipped = b.ApplySimpleThreshold(policy.SimpleFailureThreshold)
	}

	if flipped {
		if wasHealthy {
			m.logger.Warn("backend_marked_unhealthy", "url", b.URL, "consecutive_failures", b.ConsecutiveFailures())
		} else {
			m.logger.Info("backend_recovered", "url", b.URL)
		}
	}
}

// probe tries /health then /v1/models in sequence; success on either
// counts as a successful probe (SPEC_FULL.md §4.2 step 1-2).
func (m *Monitor) probe(baseURL string) (ok bool, elapsed time.Duration) {
	start := time.Now()
	for _, path := range []string{"/health", "/v1/models"} {
		resp, err := m.client.Get(baseURL + path)
		if err != nil {
			continue
		}
		status := resp.StatusCode
		resp.Body.Close()
		if status >= 200 && status < 300 {
			return true, time.Since(start)
		}
	}
	return false, time.Since(start)
}

// CheckOnce probes a single backend synchronously and returns a
// human-readable error describing the failure, if any. Used by
// check-config for a one-shot fleet summary.
func (m *Monitor) CheckOnce(b *fleet.Backend) error {
	ok, _ := m.probe(b.URL)
	if !ok {
		return fmt.Errorf("backend %s failed both /health and /v1/models", b.URL)
	}
	return nil
}
