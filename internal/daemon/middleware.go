package daemon

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oakmoss/driftpeer/internal/overlay"
)

// requestIDKey is the context key InstrumentHandler stores the per-request
// correlation id under.
type requestIDKey struct{}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with a per-request correlation
// id, Prometheus metrics, and audit logging. Metrics and audit are
// nil-safe; a request id is always attached regardless and can be read
// back with requestID. SSE frames and audit lines do not include it.
func InstrumentHandler(next http.Handler, metrics *overlay.Metrics, audit *overlay.AuditLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := context.WithValue(r.Context(), requestIDKey{}, uuid.NewString())
		r = r.WithContext(ctx)

		next.ServeHTTP(rec, r)

		if metrics == nil && audit == nil {
			return
		}

		duration := time.Since(start).Seconds()
		path := sanitizePath(r.URL.Path)
		status := strconv.Itoa(rec.status)

		if metrics != nil {
			metrics.DaemonRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.DaemonRequestDurationSeconds.WithLabelValues(r.Method, path, status).Observe(duration)
		}
		if audit != nil {
			audit.DaemonAPIAccess(r.Method, path, rec.status)
		}
	})
}

// requestID returns the correlation id InstrumentHandler attached to ctx,
// or "" if none (e.g. in a handler test that bypasses the middleware).
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// sanitizePath replaces dynamic path segments with fixed labels to prevent
// high cardinality in Prometheus metrics, e.g.:
//
//	/v1/projects/rad:bafy.../peers -> /v1/projects/:urn/peers
//	/v1/source/commit/rad:bafy.../abc123 -> /v1/source/commit/:urn/:oid
func sanitizePath(path string) string {
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	for i, p := range parts {
		if i >= 2 && strings.HasPrefix(p, "rad:") {
			parts[i] = ":urn"
		}
	}
	switch {
	case len(parts) == 6 && parts[1] == "v1" && parts[2] == "source" && parts[3] == "commit":
		parts[5] = ":oid"
	case len(parts) == 6 && parts[1] == "v1" && parts[2] == "projects" && (parts[4] == "track" || parts[4] == "untrack"):
		parts[5] = ":peer_id"
	}
	return strings.Join(parts, "/")
}
