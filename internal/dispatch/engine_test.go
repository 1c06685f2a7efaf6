package dispatch

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/logging"
	"github.com/xerrors/vllmrouter/internal/metrics"
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

func markHealthyWithModels(t *testing.T, store *config.Store, url string, models []string) {
	t.Helper()
	b, ok := store.GetByURL(url)
	require.True(t, ok)
	b.SetSupportedModels(models)
}

// Scenario 1: happy path, single backend.
func TestDispatchHappyPathSingleBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp1","choices":[]}`))
	}))
	defer backend.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+backend.URL+`"
max_concurrent_requests = 3
`)
	markHealthyWithModels(t, store, backend.URL, []string{"m1"})

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"id":"resp1","choices":[]}`, w.Body.String())
}

// Scenario 2: model-aware filtering.
func TestDispatchModelAwareFiltering(t *testing.T) {
	var hitB2 bool
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("b1 must not receive traffic for a model it doesn't serve")
	}))
	defer b1.Close()
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitB2 = true
		w.Write([]byte(`{"ok":true}`))
	}))
	defer b2.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+b1.URL+`"

[[servers.servers]]
url = "`+b2.URL+`"
`)
	markHealthyWithModels(t, store, b1.URL, []string{"m1"})
	markHealthyWithModels(t, store, b2.URL, []string{"m2"})

	// Give b1 an idle load snapshot so load-based selection alone could pick
	// it; model filtering must exclude b1 outright.
	b1Backend, _ := store.GetByURL(b1.URL)
	b1Backend.UpdateLoad(0, 0, 0, 100000)

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m2","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, hitB2)
}

// Scenario 3: no eligible backend.
func TestDispatchNoEligibleBackendReturns503(t *testing.T) {
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no backend should receive traffic")
	}))
	defer b1.Close()
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no backend should receive traffic")
	}))
	defer b2.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+b1.URL+`"

[[servers.servers]]
url = "`+b2.URL+`"
`)
	markHealthyWithModels(t, store, b1.URL, []string{"m1"})
	markHealthyWithModels(t, store, b2.URL, []string{"m2"})

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m3","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "m3")
}

// Scenario 4: retry after transient failure.
func TestDispatchRetriesAfterTransientFailure(t *testing.T) {
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer b1.Close()
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer b2.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+b1.URL+`"

[[servers.servers]]
url = "`+b2.URL+`"

[config]
max_retries = 3
`)
	markHealthyWithModels(t, store, b1.URL, []string{"m1"})
	markHealthyWithModels(t, store, b2.URL, []string{"m1"})

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusOK, w.Code)

	b1Backend, _ := store.GetByURL(b1.URL)
	require.GreaterOrEqual(t, b1Backend.ConsecutiveFailures(), 1)
}

// Scenario: streaming pass-through, SSE content type forwarded verbatim.
func TestDispatchStreamsSSEResponseVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: chunk1\n\n"))
		flusher.Flush()
		w.Write([]byte("data: chunk2\n\n"))
		flusher.Flush()
	}))
	defer backend.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+backend.URL+`"
`)
	markHealthyWithModels(t, store, backend.URL, []string{"m1"})

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"))
	require.Contains(t, w.Body.String(), "chunk1")
	require.Contains(t, w.Body.String(), "chunk2")
}

// A retryable failure must be reflected in the retries counter so
// operators can see per-backend retry volume on /metrics.
func TestDispatchRecordsRetryMetricOnRetryableFailure(t *testing.T) {
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer b1.Close()
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer b2.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+b1.URL+`"

[[servers.servers]]
url = "`+b2.URL+`"

[config]
max_retries = 3
`)
	markHealthyWithModels(t, store, b1.URL, []string{"m1"})
	markHealthyWithModels(t, store, b2.URL, []string{"m1"})

	collector := metrics.NewCollector()
	engine := NewEngine(store, logging.NewLogger("test"), time.Second, collector)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusOK, w.Code)
	require.GreaterOrEqual(t, testutil.ToFloat64(collector.RetriesTotal.WithLabelValues(b1.URL)), 1.0)
}

// Retry bound: attempts must never exceed max_retries + 1.
func TestDispatchRetryBoundExhaustsAndReturns502(t *testing.T) {
	var attempts int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	store := newTestStore(t, `
[[servers.servers]]
url = "`+backend.URL+`"

[config]
max_retries = 2
`)
	markHealthyWithModels(t, store, backend.URL, []string{"m1"})

	engine := NewEngine(store, logging.NewLogger("test"), time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[]}`))
	w := httptest.NewRecorder()

	engine.Dispatch(w, req, "/v1/chat/completions")

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, 3, attempts, "max_retries=2 allows 3 total attempts")
}
