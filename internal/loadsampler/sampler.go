// Package loadsampler is the Load Sampler (C3): periodically scrapes each
// healthy backend's Prometheus telemetry endpoint and keeps a fresh
// per-backend load snapshot for the selection algorithm. See SPEC_FULL.md
// §4.3.
package loadsampler

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/fleet"
	"github.com/xerrors/vllmrouter/internal/logging"
)

// metricField is one recognized Prometheus metric name prefix and the
// setter that applies its parsed value to an in-flight sample. A tagged
// table instead of a chain of if/else, per SPEC_FULL.md §9's note on
// avoiding conditional chains for metric dispatch.
type metricField struct {
	prefix string
	set    func(s *sample, v float64)
}

type sample struct {
	running  int
	waiting  int
	gpuCache float64
	maxFDs   int
}

var metricFields = []metricField{
	{"vllm:num_requests_running", func(s *sample, v float64) { s.running = int(v) }},
	{"vllm:num_requests_waiting", func(s *sample, v float64) { s.waiting = int(v) }},
	{"vllm:gpu_cache_usage_perc", func(s *sample, v float64) { s.gpuCache = v }},
	{"process_max_fds", func(s *sample, v float64) { s.maxFDs = int(v) }},
}

// Sampler runs the periodic telemetry-fetch loop against every healthy
// backend.
type Sampler struct {
	store  *config.Store
	logger *logging.Logger
	client *http.Client
}

// NewSampler builds a load sampler. timeout bounds each /metrics fetch —
// SPEC_FULL.md §5 fixes this at 5s regardless of request_timeout.
func NewSampler(store *config.Store, logger *logging.Logger, timeout time.Duration) *Sampler {
	return &Sampler{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// Start runs the sampling loop until ctx is cancelled, sleeping interval
// between ticks.
func (s *Sampler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("load_sampler_started", "interval_ms", interval.Milliseconds())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("load_sampler_stopped")
			return
		case <-ticker.C:
			if err := s.RunTick(ctx); err != nil {
				s.logger.Warn("load_sample_tick_error", "error", err.Error())
			}
		}
	}
}

// RunTick fetches /metrics from every currently-healthy backend in
// parallel and applies successful parses to that backend's load snapshot.
// A fetch failure or parse error leaves the previous snapshot untouched
// and is logged, never treated as a health signal (that is C2's job).
func (s *Sampler) RunTick(ctx context.Context) error {
	backends := s.store.GetHealthy()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		g.Go(func() error {
			s.sampleOne(gctx, b)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sampler) sampleOne(ctx context.Context, b *fleet.Backend) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL+"/metrics", nil)
	if err != nil {
		s.logger.Warn("load_sample_request_build_failed", "url", b.URL, "error", err.Error())
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("load_sample_fetch_failed", "url", b.URL, "error", err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("load_sample_non_2xx", "url", b.URL, "status", resp.StatusCode)
		return
	}

	parsed, err := parseMetrics(resp.Body)
	if err != nil {
		s.logger.Warn("load_sample_parse_failed", "url", b.URL, "error", err.Error())
		return
	}

	b.UpdateLoad(parsed.running, parsed.waiting, parsed.gpuCache, parsed.maxFDs)
}

// parseMetrics reads Prometheus-style line-oriented text: lines starting
// with '#' or empty are skipped; for every other line the last
// whitespace-separated token is parsed as a numeric value and matched
// against the recognized metric name prefixes (SPEC_FULL.md §4.3 step 2).
func parseMetrics(r io.Reader) (sample, error) {
	var s sample
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		valueTok := fields[len(fields)-1]
		for _, mf := range metricFields {
			if strings.HasPrefix(name, mf.prefix) {
				v, err := strconv.ParseFloat(valueTok, 64)
				if err != nil {
					continue
				}
				mf.set(&s, v)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sample{}, err
	}
	return s, nil
}
