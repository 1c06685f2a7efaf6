package metrics

import (
	"net/http"
	"time"
)

// Middleware wraps an http.Handler to record request count and duration.
// Adapted from the teacher's internal/metrics/middleware.go; outcome
// buckets by status class instead of raw status code. The model label is
// always recorded as "unknown": the middleware does not see the model the
// dispatch layer extracts.
type Middleware struct {
	collector *Collector
	next      http.Handler
}

// NewMiddleware creates metrics middleware wrapping next.
func NewMiddleware(collector *Collector, next http.Handler) *Middleware {
	return &Middleware{collector: collector, next: next}
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	crw := &captureResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	m.next.ServeHTTP(crw, r)

	duration := time.Since(start).Seconds()
	outcome := outcomeFromStatus(crw.statusCode)

	m.collector.RequestsTotal.WithLabelValues(outcome, "unknown").Inc()
	m.collector.RequestDuration.WithLabelValues(outcome).Observe(duration)
}

func outcomeFromStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status == http.StatusServiceUnavailable:
		return "no_candidates"
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return "backend_exhausted"
	case status >= 500:
		return "internal_error"
	default:
		return "client_error"
	}
}

// captureResponseWriter captures the status code so the middleware can
// label the outcome after the handler returns.
type captureResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (c *captureResponseWriter) WriteHeader(code int) {
	c.statusCode = code
	c.ResponseWriter.WriteHeader(code)
}

// Flush allows streaming handlers behind this middleware to still flush.
func (c *captureResponseWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
