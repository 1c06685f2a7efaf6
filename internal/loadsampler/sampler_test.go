package loadsampler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/logging"
)

func newTestStore(t *testing.T, tomlBody string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlBody), 0o644))
	store := config.NewStore(path, logging.NewLogger("test"))
	require.NoError(t, store.Load())
	return store
}

func TestParseMetricsExtractsRecognizedPrefixes(t *testing.T) {
	body := `
# HELP vllm:num_requests_running running requests
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{model="m1"} 4

vllm:num_requests_waiting{model="m1"} 2
vllm:gpu_cache_usage_perc 0.73
process_max_fds 10000
some_other_metric 99
`
	s, err := parseMetrics(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 4, s.running)
	require.Equal(t, 2, s.waiting)
	require.InDelta(t, 0.73, s.gpuCache, 0.0001)
	require.Equal(t, 10000, s.maxFDs)
}

func TestRunTickUpdatesHealthyBackendLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("vllm:num_requests_running 3\nvllm:num_requests_waiting 1\nprocess_max_fds 5000\n"))
	}))
	defer srv.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+srv.URL+`"
`)

	sampler := NewSampler(store, logging.NewLogger("test"), time.Second)
	require.NoError(t, sampler.RunTick(context.Background()))

	b, _ := store.GetByURL(srv.URL)
	load := b.Load()
	require.Equal(t, 3, load.NumRequestsRunning)
	require.Equal(t, 1, load.NumRequestsWaiting)
	require.Equal(t, 4.0, load.SystemLoad, "min(running+waiting, max(1, maxFDs/1000)) = min(4, 5) = 4")
}

func TestRunTickSkipsUnhealthyBackends(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("vllm:num_requests_running 1\n"))
	}))
	defer srv.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+srv.URL+`"
`)
	store.UpdateHealth(srv.URL, false)
	store.UpdateHealth(srv.URL, false)
	store.UpdateHealth(srv.URL, false)

	b, _ := store.GetByURL(srv.URL)
	require.False(t, b.IsHealthy())

	sampler := NewSampler(store, logging.NewLogger("test"), time.Second)
	require.NoError(t, sampler.RunTick(context.Background()))
	require.Equal(t, 0, hits, "unhealthy backends must not be sampled")
}

func TestRunTickLeavesSnapshotOnFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+srv.URL+`"
`)

	sampler := NewSampler(store, logging.NewLogger("test"), time.Second)
	require.NoError(t, sampler.RunTick(context.Background()))

	b, _ := store.GetByURL(srv.URL)
	require.Zero(t, b.Load().LastUpdated, "snapshot must stay unset on non-2xx fetch")
}
