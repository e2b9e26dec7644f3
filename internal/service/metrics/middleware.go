package metrics

import (
	"net/http"
	"time"
)

// Middleware records request totals, durations, and the in-flight gauge for
// the named listener. Labels carry the listener name rather than the request
// path, so arbitrary proxied URLs cannot inflate label cardinality.
func Middleware(listener string, m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		m = DefaultMetrics
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPRequestStarted(listener)
			defer m.HTTPRequestFinished(listener)

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(listener, r.Method, wrapped.status, time.Since(start))
		})
	}
}

// statusWriter captures the response status code for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
