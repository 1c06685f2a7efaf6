package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/xerrors/vllmrouter/internal/fleet"
	"github.com/xerrors/vllmrouter/internal/logging"
)

// Store is the Configuration Store (C1): the single source of truth for
// the fleet's backend list and tunable parameters. It is safe for
// concurrent use — reads take a snapshot of the current *fleet.State and
// AppConfig; Load/ReloadIfNeeded replace both atomically.
type Store struct {
	path   string
	logger *logging.Logger

	mu           sync.RWMutex
	state        *fleet.State
	app          AppConfig
	lastModified time.Time
}

// NewStore creates a config store for the given TOML file path. Load must
// be called before the store is used.
func NewStore(path string, logger *logging.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the config source and parses it into typed state. On
// validation failure the store's current state is left unchanged and the
// error is returned (SPEC_FULL.md §4.1).
func (s *Store) Load() error {
	loaded, err := parseFile(s.path)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("config_load_failed", "path", s.path, "error", err.Error())
		}
		return err
	}

	s.mu.Lock()
	s.state = fleet.NewState(loaded.backends)
	s.app = loaded.app
	s.lastModified = loaded.lastModified
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("config_loaded", "path", s.path, "backends", len(loaded.backends))
	}
	return nil
}

// ReloadIfNeeded compares the source's last-modified timestamp to the
// recorded one and reloads iff newer (SPEC_FULL.md §4.1). Returns whether
// a reload actually happened.
func (s *Store) ReloadIfNeeded() (bool, error) {
	mtime, err := statModTime(s.path)
	if err != nil {
		// Missing file: nothing to reload against: don't disturb current state.
		return false, nil
	}

	s.mu.RLock()
	last := s.lastModified
	s.mu.RUnlock()

	if !mtime.After(last) {
		return false, nil
	}

	if err := s.Load(); err != nil {
		// Parse error on reload: logged in Load, old state retained.
		return false, err
	}
	return true, nil
}

// AppConfig returns a copy of the current tunable parameters.
func (s *Store) AppConfig() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app
}

// HealthPolicy derives the fleet.HealthPolicy the health monitor and the
// passive failure path need from the current AppConfig.
func (s *Store) HealthPolicy() fleet.HealthPolicy {
	app := s.AppConfig()
	return fleet.HealthPolicy{
		ActiveCheckEnabled:     app.EnableActiveHealthCheck,
		MinSuccessRate:         app.HealthCheckMinSuccessRate,
		MaxResponseTime:        app.HealthCheckMaxResponseTime,
		ConsecutiveFailuresMax: app.HealthCheckConsecutiveFailures,
		WindowSize:             app.HealthCheckWindowSize,
		SimpleFailureThreshold: app.FailureThreshold,
	}
}

// State returns the current fleet snapshot.
func (s *Store) State() *fleet.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// GetHealthy returns the currently healthy backends.
func (s *Store) GetHealthy() []*fleet.Backend {
	return s.State().GetHealthy()
}

// GetByURL looks up a backend by URL.
func (s *Store) GetByURL(url string) (*fleet.Backend, bool) {
	return s.State().GetByURL(url)
}

// GetServersSupporting returns every backend advertising the given model.
func (s *Store) GetServersSupporting(model string) []*fleet.Backend {
	return s.State().GetServersSupporting(model)
}

// GetHealthySupporting returns healthy backends advertising the given model.
func (s *Store) GetHealthySupporting(model string) []*fleet.Backend {
	return s.State().GetHealthySupporting(model)
}

// UpdateHealth applies the failure-hysteresis rule for a single backend
// (SPEC_FULL.md §4.1's update_health operation), shared by active probes
// and the dispatch engine's passive failure path.
func (s *Store) UpdateHealth(url string, ok bool) {
	s.State().UpdateHealth(url, ok, s.HealthPolicy())
}

// Summary renders a one-line fleet description, used by check-config and
// startup logging.
func (s *Store) Summary() string {
	st := s.State()
	healthy := len(st.GetHealthy())
	return fmt.Sprintf("%d backends configured, %d healthy", st.Len(), healthy)
}
