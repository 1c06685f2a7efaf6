// Package dispatch is the Dispatch & Forwarding Engine (C5): the hottest
// path, carrying model extraction, candidate selection, forwarding (buffered
// and streaming), and retry/hand-off. See SPEC_FULL.md §4.5.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/fleet"
)

// modelBodyPaths are the endpoints whose JSON body carries the model ID,
// per SPEC_FULL.md §4.5.1.
var modelBodyPaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
}

// extractedModel is the JSON shape peeked from a request body; only the
// model field is needed.
type extractedModel struct {
	Model string `json:"model"`
}

// ExtractModel reads the requested model ID per SPEC_FULL.md §4.5.1. For
// the chat/completions and completions endpoints it JSON-decodes the body
// once and restores it so the forward step can re-send the same bytes; for
// every other path it reads the "model" query parameter. Any decode
// failure yields ("", false) rather than an error — "no model specified"
// is not itself an error condition.
func ExtractModel(r *http.Request) (model string, ok bool) {
	if !modelBodyPaths[r.URL.Path] {
		m := r.URL.Query().Get("model")
		return m, m != ""
	}

	if r.Body == nil {
		return "", false
	}
	raw, err := io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "", false
	}

	var parsed extractedModel
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false
	}
	return parsed.Model, parsed.Model != ""
}

// noCandidatesError carries the client-facing message for a 503.
type noCandidatesError struct {
	message string
}

func (e *noCandidatesError) Error() string { return e.message }

// CandidateSet builds the eligible backend set per SPEC_FULL.md §4.5.2.
func CandidateSet(store *config.Store, model string, hasModel bool) ([]*fleet.Backend, error) {
	if hasModel {
		candidates := store.GetHealthySupporting(model)
		if len(candidates) == 0 {
			return nil, &noCandidatesError{message: fmt.Sprintf("no healthy servers support model %s", model)}
		}
		return candidates, nil
	}

	candidates := store.GetHealthy()
	if len(candidates) == 0 {
		return nil, &noCandidatesError{message: "no healthy servers available"}
	}
	return candidates, nil
}

// score computes the weighted-least-load score per SPEC_FULL.md §4.5.3.
func score(b *fleet.Backend) float64 {
	cap := b.MaxConcurrentRequests
	if cap <= 0 {
		return math.Inf(1)
	}
	load := b.Load()
	return (float64(load.NumRequestsRunning) + 0.5*float64(load.NumRequestsWaiting)) / float64(cap)
}

// SelectBackend implements the two-tier weighted-least-load algorithm:
// tier 1 picks uniformly at random among candidates scoring below 0.5;
// tier 2 falls back to a uniform pick among the candidates tied for the
// minimum score.
func SelectBackend(candidates []*fleet.Backend) *fleet.Backend {
	if len(candidates) == 0 {
		return nil
	}

	var tier1 []*fleet.Backend
	minScore := math.Inf(1)
	for _, b := range candidates {
		s := score(b)
		if s < 0.5 {
			tier1 = append(tier1, b)
		}
		if s < minScore {
			minScore = s
		}
	}

	if len(tier1) > 0 {
		return tier1[rand.Intn(len(tier1))]
	}

	var tied []*fleet.Backend
	for _, b := range candidates {
		if score(b) == minScore {
			tied = append(tied, b)
		}
	}
	return tied[rand.Intn(len(tied))]
}
