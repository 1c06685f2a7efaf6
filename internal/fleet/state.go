package fleet

// State is the explicit, atomically-replaceable fleet snapshot described
// in SPEC_FULL.md §9 ("Global state → explicit state object"): the set of
// configured backends for one configuration generation. A config reload
// builds a new *State and swaps it in; handlers and periodic tasks always
// read a consistent snapshot (SPEC_FULL.md §3 invariant).
type State struct {
	backends []*Backend
}

// NewState builds a fleet state from an already-constructed backend list.
func NewState(backends []*Backend) *State {
	cp := make([]*Backend, len(backends))
	copy(cp, backends)
	return &State{backends: cp}
}

// All returns every configured backend, healthy or not.
func (s *State) All() []*Backend {
	out := make([]*Backend, len(s.backends))
	copy(out, s.backends)
	return out
}

// Len reports the number of configured backends.
func (s *State) Len() int {
	return len(s.backends)
}

// GetHealthy returns the subset of backends currently marked healthy.
func (s *State) GetHealthy() []*Backend {
	var out []*Backend
	for _, b := range s.backends {
		if b.IsHealthy() {
			out = append(out, b)
		}
	}
	return out
}

// GetByURL looks up a backend by its exact configured URL.
func (s *State) GetByURL(url string) (*Backend, bool) {
	for _, b := range s.backends {
		if b.URL == url {
			return b, true
		}
	}
	return nil, false
}

// GetServersSupporting returns every backend (healthy or not) whose model
// catalog contains the given model ID.
func (s *State) GetServersSupporting(model string) []*Backend {
	var out []*Backend
	for _, b := range s.backends {
		if b.SupportsModel(model) {
			out = append(out, b)
		}
	}
	return out
}

// GetHealthySupporting returns healthy backends whose model catalog
// contains the given model ID.
func (s *State) GetHealthySupporting(model string) []*Backend {
	var out []*Backend
	for _, b := range s.backends {
		if b.IsHealthy() && b.SupportsModel(model) {
			out = append(out, b)
		}
	}
	return out
}

// UpdateHealth is the shared failure/success hook from SPEC_FULL.md §4.1:
// both active probes and the dispatch engine's passive failure path
// funnel through it. ok=false shares the consecutive-failure counter with
// active probing (SPEC_FULL.md §4.2 last paragraph) without touching the
// probe statistics window.
func (s *State) UpdateHealth(url string, ok bool, policy HealthPolicy) {
	b, found := s.GetByURL(url)
	if !found {
		return
	}
	if ok {
		b.RecordSimpleSuccess()
	} else {
		b.RecordSimpleFailure()
	}

	if policy.ActiveCheckEnabled {
		b.RecomputeHealth(policy)
	} else {
		b.ApplySimpleThreshold(policy.SimpleFailureThreshold)
	}
}
