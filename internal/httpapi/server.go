// Package httpapi wires the router's public HTTP surface: the
// model-aware proxy endpoints, the synthesized /v1/models listing, the
// admin/status endpoints, and CORS. See SPEC_FULL.md §6.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xerrors/vllmrouter/internal/catalog"
	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/dispatch"
	"github.com/xerrors/vllmrouter/internal/logging"
	"github.com/xerrors/vllmrouter/internal/metrics"
)

// Server bundles every dependency the HTTP surface needs.
type Server struct {
	store   *config.Store
	engine  *dispatch.Engine
	catalog *catalog.Catalog
	logger  *logging.Logger
	version string
}

// NewServer builds the router's handler tree.
func NewServer(store *config.Store, engine *dispatch.Engine, cat *catalog.Catalog, logger *logging.Logger, version string) *Server {
	return &Server{store: store, engine: engine, catalog: cat, logger: logger, version: version}
}

// Handler returns the fully wired http.Handler, including CORS and metrics
// middleware, matching the teacher's cmd/gobalance/main.go mux wiring
// shape generalized to this router's endpoint set.
func (s *Server) Handler(collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", s.handleForward("/v1/chat/completions"))
	mux.HandleFunc("/v1/completions", s.handleForward("/v1/completions"))
	mux.HandleFunc("/v1/embeddings", s.handleForward("/v1/embeddings"))
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/", s.handleGenericForward)
	mux.HandleFunc("/", s.handleBanner)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/load-stats", s.handleLoadStats)
	mux.HandleFunc("/server-models", s.handleServerModels)

	if collector != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = corsMiddleware(handler)
	if collector != nil {
		handler = metrics.NewMiddleware(collector, handler)
	}
	return handler
}

// corsMiddleware makes every endpoint CORS-open, per SPEC_FULL.md §6.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleForward(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			dispatch.WriteError(w, http.StatusMethodNotAllowed, "http_error", "method not allowed")
			return
		}
		s.engine.Dispatch(w, r, path)
	}
}

// handleGenericForward forwards any other /v1/... path to a healthy
// backend (SPEC_FULL.md §6). The request body is not inspected for a
// model; as on every non-body path, a "model" query parameter, if present,
// still restricts the candidates (see dispatch.ExtractModel).
func (s *Server) handleGenericForward(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/models" {
		s.handleModels(w, r)
		return
	}
	s.engine.Dispatch(w, r, r.URL.Path)
}

// modelEntry is one row of the synthesized /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels refreshes the model catalog across every configured backend
// (healthy or not, see Catalog.RefreshAll), then returns the deduped union
// of every known model (SPEC_FULL.md §6).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if s.catalog != nil {
		_ = s.catalog.RefreshAll(ctx)
	}

	seen := map[string]int64{}
	for _, b := range s.store.State().All() {
		updated := b.ModelsLastUpdated().Unix()
		for _, m := range b.SupportedModels() {
			if existing, ok := seen[m]; !ok || updated > existing {
				seen[m] = updated
			}
		}
	}

	data := make([]modelEntry, 0, len(seen))
	for id, created := range seen {
		data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "vllm-router"})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleBanner serves the service banner at GET /.
func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "vllmrouter",
		"version": s.version,
		"status":  "ok",
	})
}

// backendHealthDetail is one row of the GET /health per-backend detail.
type backendHealthDetail struct {
	URL                 string  `json:"url"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseTime     float64 `json:"avg_response_time"`
}

// handleHealth reports overall fleet status per SPEC_FULL.md §6's
// thresholds (healthy >=80%, degraded >=50%, else unhealthy; no_servers
// when the fleet is empty).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := s.store.State().All()
	if len(backends) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_servers", "backends": []backendHealthDetail{}})
		return
	}

	healthyCount := 0
	details := make([]backendHealthDetail, 0, len(backends))
	for _, b := range backends {
		stats := b.HealthSnapshot()
		if b.IsHealthy() {
			healthyCount++
		}
		details = append(details, backendHealthDetail{
			URL:                 b.URL,
			Healthy:             b.IsHealthy(),
			ConsecutiveFailures: b.ConsecutiveFailures(),
			SuccessRate:         stats.SuccessRate,
			AvgResponseTime:     stats.AvgResponseTime,
		})
	}

	ratio := float64(healthyCount) / float64(len(backends))
	status := "unhealthy"
	switch {
	case ratio >= 0.8:
		status = "healthy"
	case ratio >= 0.5:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"healthy":  healthyCount,
		"total":    len(backends),
		"backends": details,
	})
}

// backendLoadDetail is one row of the GET /load-stats per-backend listing.
type backendLoadDetail struct {
	URL                string  `json:"url"`
	NumRequestsRunning int     `json:"num_requests_running"`
	NumRequestsWaiting int     `json:"num_requests_waiting"`
	GPUCacheUsagePerc  float64 `json:"gpu_cache_usage_perc"`
	SystemLoad         float64 `json:"system_load"`
}

// handleLoadStats reports per-backend load plus fleet totals.
func (s *Server) handleLoadStats(w http.ResponseWriter, r *http.Request) {
	backends := s.store.State().All()
	details := make([]backendLoadDetail, 0, len(backends))
	var totalRunning, totalWaiting int
	for _, b := range backends {
		load := b.Load()
		totalRunning += load.NumRequestsRunning
		totalWaiting += load.NumRequestsWaiting
		details = append(details, backendLoadDetail{
			URL:                b.URL,
			NumRequestsRunning: load.NumRequestsRunning,
			NumRequestsWaiting: load.NumRequestsWaiting,
			GPUCacheUsagePerc:  load.GPUCacheUsagePerc,
			SystemLoad:         load.SystemLoad,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backends": details,
		"totals": map[string]int{
			"num_requests_running": totalRunning,
			"num_requests_waiting": totalWaiting,
		},
	})
}

// handleServerModels forces a catalog refresh then dumps every backend's
// current model set.
func (s *Server) handleServerModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if s.catalog != nil {
		if err := s.catalog.RefreshAll(ctx); err != nil {
			s.logger.Warn("server_models_refresh_error", "error", err.Error())
		}
	}

	out := map[string][]string{}
	for _, b := range s.store.State().All() {
		out[b.URL] = b.SupportedModels()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
