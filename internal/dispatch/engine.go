package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xerrors/vllmrouter/internal/config"
	"github.com/xerrors/vllmrouter/internal/fleet"
	"github.com/xerrors/vllmrouter/internal/logging"
	"github.com/xerrors/vllmrouter/internal/metrics"
)

// Engine is the Dispatch & Forwarding Engine (C5). One Engine is shared by
// every proxy handler; it is stateless beyond its dependencies, so it is
// safe for concurrent use by many in-flight requests.
type Engine struct {
	store     *config.Store
	logger    *logging.Logger
	client    *http.Client
	collector *metrics.Collector
}

// NewEngine builds a dispatch engine. timeout bounds every single
// client->backend forward attempt (request_timeout). collector may be nil,
// in which case retry counts are not recorded.
func NewEngine(store *config.Store, logger *logging.Logger, timeout time.Duration, collector *metrics.Collector) *Engine {
	return &Engine{
		store:     store,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		collector: collector,
	}
}

// attemptOutcome classifies what happened on one forward attempt so the
// retry loop in Dispatch can decide whether to retry, hand off, or fail.
type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable                // transport error, timeout, or backend status >= 4xx
	outcomeFatal                     // anything else: no retry, 500 to client
	outcomeStreamedFailure           // failed mid-stream after bytes were already sent
)

// Dispatch serves one incoming proxy request end to end: extracts the
// model, builds the candidate set, then runs the select/forward/retry loop
// per SPEC_FULL.md §4.5.2-4.5.6. path is the upstream path to forward to
// (e.g. "/v1/chat/completions").
func (e *Engine) Dispatch(w http.ResponseWriter, r *http.Request, path string) {
	requestID := uuid.NewString()
	log := e.logger.Named("dispatch")

	var bodyBytes []byte
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "http_error", "failed to read request body")
			return
		}
		bodyBytes = b
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	model, hasModel := ExtractModel(r)

	app := e.store.AppConfig()
	maxAttempts := app.MaxRetries + 1

	var lastErr error
	lastWasTimeout := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if r.Context().Err() != nil {
			log.Info("client_disconnected", "request_id", requestID)
			return
		}

		candidates, err := CandidateSet(e.store, model, hasModel)
		if err != nil {
			log.Info("no_candidates", "request_id", requestID, "error", err.Error())
			WriteError(w, http.StatusServiceUnavailable, "http_error", err.Error())
			return
		}

		backend := SelectBackend(candidates)
		log.Info("selected_backend", "request_id", requestID, "url", backend.URL, "attempt", attempt+1, "model", model)

		outcome, timedOut, streamed, err := e.attempt(r.Context(), w, r, backend, path, bodyBytes)
		switch outcome {
		case outcomeSuccess:
			return
		case outcomeStreamedFailure:
			log.Warn("stream_failed_after_bytes_sent", "request_id", requestID, "url", backend.URL, "error", errString(err))
			return
		case outcomeFatal:
			log.Error("dispatch_fatal_error", "request_id", requestID, "url", backend.URL, "error", errString(err))
			WriteError(w, http.StatusInternalServerError, "internal_error", "internal error forwarding request")
			return
		case outcomeRetryable:
			e.store.UpdateHealth(backend.URL, false)
			if e.collector != nil {
				e.collector.RetriesTotal.WithLabelValues(backend.URL).Inc()
			}
			lastErr = err
			lastWasTimeout = timedOut
			log.Warn("backend_attempt_failed", "request_id", requestID, "url", backend.URL, "attempt", attempt+1, "error", errString(err))
			if streamed {
				// Defensive: a retryable classification should never coincide
				// with bytes already sent, but never retry once streaming began.
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
	}

	log.Error("retries_exhausted", "request_id", requestID, "error", errString(lastErr))
	if lastWasTimeout {
		WriteError(w, http.StatusGatewayTimeout, "http_error", "upstream request timed out")
		return
	}
	WriteError(w, http.StatusBadGateway, "http_error", "no backend could serve the request")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// attempt performs a single forward to backend and classifies the result.
// Returns whether any response bytes were already streamed to the client
// (streamed=true forbids any further retry regardless of classification).
func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, backend *fleet.Backend, path string, bodyBytes []byte) (outcome attemptOutcome, timedOut bool, streamed bool, err error) {
	target := backend.URL + path

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bodyReader)
	if err != nil {
		return outcomeFatal, false, false, err
	}
	copyForwardHeaders(req.Header, r.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return outcomeFatal, false, false, err
		}
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			return outcomeRetryable, true, false, err
		}
		return outcomeRetryable, false, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused, then classify as retryable.
		io.Copy(io.Discard, resp.Body)
		return outcomeRetryable, false, false, &statusErr{status: resp.StatusCode}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		if err := streamBody(w, resp.Body); err != nil {
			return outcomeStreamedFailure, false, true, err
		}
		return outcomeSuccess, false, true, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcomeFatal, false, false, err
	}
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
	return outcomeSuccess, false, false, nil
}

// streamBody copies bytes chunk-for-chunk from the backend to the client,
// flushing after every chunk so SSE events arrive promptly.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// copyForwardHeaders copies the incoming request headers to the backend
// request, removing Host (SPEC_FULL.md §4.5.4 step 2).
func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

type statusErr struct{ status int }

func (e *statusErr) Error() string { return http.StatusText(e.status) }
