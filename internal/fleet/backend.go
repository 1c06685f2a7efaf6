// Package fleet holds the router's explicit state: the backend model and
// the atomically-replaceable fleet snapshot read by every other component.
// See SPEC_FULL.md §3 and §9 ("Global state → explicit state object").
package fleet

import (
	"net/url"
	"sync"
	"time"
)

// HealthPolicy is the subset of AppConfig the hysteresis formula needs.
// Kept separate from the config package so fleet has no import on it —
// this is the "invert dependency" fix from SPEC_FULL.md §9's note on the
// load-manager/server-manager import cycle in the original source.
type HealthPolicy struct {
	ActiveCheckEnabled     bool
	MinSuccessRate         float64
	MaxResponseTime        float64 // seconds
	ConsecutiveFailuresMax int
	WindowSize             int
	SimpleFailureThreshold int // used only when ActiveCheckEnabled is false
}

// LoadSnapshot is a backend's most recently sampled telemetry.
type LoadSnapshot struct {
	NumRequestsRunning int
	NumRequestsWaiting int
	GPUCacheUsagePerc  float64
	ProcessMaxFDs      int
	SystemLoad         float64
	LastUpdated        time.Time
}

// HealthStats is the bounded rolling window of probe observations.
type HealthStats struct {
	ResponseTimes     []float64 // seconds, oldest first, len <= WindowSize
	SuccessfulChecks  int
	TotalChecks       int
	SuccessRate       float64
	AvgResponseTime   float64
	LastResponseTime  float64
	HasLastResponse   bool
}

// Backend is the central fleet entity: one upstream inference server.
type Backend struct {
	URL                    string
	ParsedURL              *url.URL
	MaxConcurrentRequests  int

	mu                sync.RWMutex
	isHealthy         bool
	consecutiveFailures int
	lastCheck         time.Time
	lastFailureTime   *time.Time
	stats             HealthStats
	load              LoadSnapshot
	supportedModels   map[string]struct{}
	modelsLastUpdated time.Time
}

// NewBackend constructs a Backend starting in the healthy state, matching
// the original source's ServerConfig default (is_healthy defaults true).
func NewBackend(rawURL string, maxConcurrentRequests int) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if maxConcurrentRequests < 1 {
		maxConcurrentRequests = 1
	}
	return &Backend{
		URL:                   rawURL,
		ParsedURL:             u,
		MaxConcurrentRequests: maxConcurrentRequests,
		isHealthy:             true,
		stats:                 HealthStats{SuccessRate: 1.0},
		supportedModels:       make(map[string]struct{}),
	}, nil
}

// IsHealthy reports the current liveness bit.
func (b *Backend) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isHealthy
}

// ConsecutiveFailures reports the current failure streak.
func (b *Backend) ConsecutiveFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFailures
}

// LastFailureTime reports the last recorded failure instant, if any.
func (b *Backend) LastFailureTime() (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastFailureTime == nil {
		return time.Time{}, false
	}
	return *b.lastFailureTime, true
}

// LastCheck reports the instant of the most recent health probe.
func (b *Backend) LastCheck() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCheck
}

// HealthSnapshot returns a copy of the rolling health statistics.
func (b *Backend) HealthSnapshot() HealthStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := b.stats
	cp.ResponseTimes = append([]float64(nil), b.stats.ResponseTimes...)
	return cp
}

// Load returns a copy of the most recent load telemetry.
func (b *Backend) Load() LoadSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.load
}

// SupportedModels returns a copy of the current model catalog.
func (b *Backend) SupportedModels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.supportedModels))
	for m := range b.supportedModels {
		out = append(out, m)
	}
	return out
}

// SupportsModel reports whether this backend advertises the given model.
func (b *Backend) SupportsModel(model string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.supportedModels[model]
	return ok
}

// ModelsLastUpdated reports when the model catalog was last refreshed.
func (b *Backend) ModelsLastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.modelsLastUpdated
}

// SetSupportedModels atomically replaces the model catalog. Called by the
// model catalog component on a successful /v1/models fetch; a failed fetch
// must simply not call this, which retains the previous value (SPEC_FULL
// §4.4 "Catalog stability").
func (b *Backend) SetSupportedModels(models []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	b.supportedModels = set
	b.modelsLastUpdated = time.Now()
}

// UpdateLoad atomically replaces the load snapshot, deriving system_load
// per SPEC_FULL.md §4.3: min(running+waiting, max(1, process_max_fds/1000)).
func (b *Backend) UpdateLoad(running, waiting int, gpuCache float64, maxFDs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := float64(running + waiting)
	byFDs := float64(maxFDs) / 1000.0
	if byFDs < 1 {
		byFDs = 1
	}
	systemLoad := total
	if byFDs < systemLoad {
		systemLoad = byFDs
	}
	b.load = LoadSnapshot{
		NumRequestsRunning: running,
		NumRequestsWaiting: waiting,
		GPUCacheUsagePerc:  gpuCache,
		ProcessMaxFDs:      maxFDs,
		SystemLoad:         systemLoad,
		LastUpdated:        time.Now(),
	}
}

// RecordProbeResult appends an active health-probe observation to the
// rolling window and updates the derived success rate / average response
// time, per SPEC_FULL.md §4.2 steps 1-5. It does not flip is_healthy —
// call RecomputeHealth afterward under the same policy.
func (b *Backend) RecordProbeResult(success bool, elapsed time.Duration, windowSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastCheck = now
	seconds := elapsed.Seconds()

	b.stats.ResponseTimes = append(b.stats.ResponseTimes, seconds)
	if windowSize < 1 {
		windowSize = 1
	}
	if len(b.stats.ResponseTimes) > windowSize {
		b.stats.ResponseTimes = b.stats.ResponseTimes[len(b.stats.ResponseTimes)-windowSize:]
	}
	b.stats.LastResponseTime = seconds
	b.stats.HasLastResponse = true

	b.stats.TotalChecks++
	if success {
		b.stats.SuccessfulChecks++
		b.consecutiveFailures = 0
		b.lastFailureTime = nil
	} else {
		b.consecutiveFailures++
		b.lastFailureTime = &now
	}

	if b.stats.TotalChecks > 0 {
		b.stats.SuccessRate = float64(b.stats.SuccessfulChecks) / float64(b.stats.TotalChecks)
	}
	if len(b.stats.ResponseTimes) > 0 {
		sum := 0.0
		for _, v := range b.stats.ResponseTimes {
			sum += v
		}
		b.stats.AvgResponseTime = sum / float64(len(b.stats.ResponseTimes))
	}
}

// RecordSimpleFailure is the passive failure path used by the dispatch
// engine (SPEC_FULL.md §4.2 last paragraph): it shares the same
// consecutive-failure counter as active probes but does not touch the
// response-time window or success-rate statistics, since no probe
// actually ran.
func (b *Backend) RecordSimpleFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.lastCheck = now
	b.consecutiveFailures++
	b.lastFailureTime = &now
}

// RecordSimpleSuccess resets the failure streak without touching the
// probe statistics window. Symmetric counterpart to RecordSimpleFailure,
// used when a non-probe success should clear the hysteresis counter.
func (b *Backend) RecordSimpleSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCheck = time.Now()
	b.consecutiveFailures = 0
	b.lastFailureTime = nil
}

// RecomputeHealth applies SPEC_FULL.md §4.2 step 6: when active checking
// is enabled, is_healthy is a pure function of the rolling stats. Returns
// true if the health bit flipped.
func (b *Backend) RecomputeHealth(policy HealthPolicy) (flipped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !policy.ActiveCheckEnabled {
		return false
	}

	successRateOK := b.stats.SuccessRate >= policy.MinSuccessRate
	responseTimeOK := b.stats.AvgResponseTime <= policy.MaxResponseTime
	consecutiveFailuresOK := b.consecutiveFailures < policy.ConsecutiveFailuresMax

	newHealthy := successRateOK && responseTimeOK && consecutiveFailuresOK
	if newHealthy != b.isHealthy {
		b.isHealthy = newHealthy
		return true
	}
	return false
}

// ApplySimpleThreshold implements the failure_threshold path used when
// active health checking is disabled (SPEC_FULL.md §9 OQ2): a simple
// consecutive-failure count flips the backend unhealthy, independent of
// the active-check formula.
func (b *Backend) ApplySimpleThreshold(threshold int) (flipped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutiveFailures == 0 {
		if !b.isHealthy {
			b.isHealthy = true
			return true
		}
		return false
	}
	if b.consecutiveFailures >= threshold && b.isHealthy {
		b.isHealthy = false
		return true
	}
	return false
}

// MaybeAutoRecover implements the auto-recovery sidecar (SPEC_FULL.md
// §4.2): an unhealthy backend whose last failure predates the recovery
// threshold has its failure streak reset so the next probe can restore
// it; when active checking is disabled the reset flips is_healthy
// immediately.
func (b *Backend) MaybeAutoRecover(threshold time.Duration, activeCheckEnabled bool) (recovered bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isHealthy {
		return false
	}
	stale := b.lastFailureTime == nil || time.Since(*b.lastFailureTime) > threshold
	if !stale {
		return false
	}

	b.consecutiveFailures = 0
	if !activeCheckEnabled {
		b.isHealthy = true
		return true
	}
	return false
}
