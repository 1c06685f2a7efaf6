// Package catalog is the Model Catalog (C4): periodically queries each
// backend's model-list endpoint and records which models each backend
// serves. See SPEC_FULL.md §4.4.
package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/fleet"
	"github.com/xerrors/vllmrouter/internal/logging"
)

// modelListResponse mirrors the OpenAI model-list shape: {"data":[{"id":"..."}]}.
type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Catalog runs the periodic and on-demand model-list refresh against the
// fleet.
type Catalog struct {
	store  *config.Store
	logger *logging.Logger
	client *http.Client
}

// NewCatalog builds a model catalog refresher. timeout bounds each
// /v1/models fetch.
func NewCatalog(store *config.Store, logger *logging.Logger, timeout time.Duration) *Catalog {
	return &Catalog{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

// RefreshAll queries every configured backend (healthy or not — a backend
// marked unhealthy may still be asked what it serves so its catalog is
// ready the moment it recovers) and refreshes each one's supported_models.
// A failed fetch retains the previous catalog value rather than clearing
// it (SPEC_FULL.md §8 "Catalog stability").
func (c *Catalog) RefreshAll(ctx context.Context) error {
	backends := c.store.State().All()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		g.Go(func() error {
			c.refreshOne(gctx, b)
			return nil
		})
	}
	return g.Wait()
}

func (c *Catalog) refreshOne(ctx context.Context, b *fleet.Backend) {
	models, err := c.fetchModels(ctx, b.URL)
	if err != nil {
		c.logger.Warn("catalog_refresh_failed", "url", b.URL, "error", err.Error())
		return
	}
	b.SetSupportedModels(models)
}

func (c *Catalog) fetchModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode}
	}

	var parsed modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// TickHook returns a callback suitable for health.Monitor's onTick
// parameter: it refreshes the catalog every Kth tick (SPEC_FULL.md §4.4,
// K=10).
func (c *Catalog) TickHook(k int) func(tick int) {
	if k < 1 {
		k = 10
	}
	return func(tick int) {
		if tick%k != 0 {
			return
		}
		if err := c.RefreshAll(context.Background()); err != nil {
			c.logger.Warn("catalog_periodic_refresh_error", "error", err.Error())
		}
	}
}

type statusError struct{ status int }

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.status)
}
