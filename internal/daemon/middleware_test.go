package daemon

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/oakmoss/driftpeer/internal/overlay"
)

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/v1/projects/requests", "/v1/projects/requests"},
		{"/v1/projects/rad:bafyTest1234/peers", "/v1/projects/:urn/peers"},
		{"/v1/projects/rad:bafyTest1234/track/12D3KooWTest", "/v1/projects/:urn/track/:peer_id"},
		{"/v1/projects/rad:bafyTest1234/untrack/12D3KooWTest", "/v1/projects/:urn/untrack/:peer_id"},
		{"/v1/source/commit/rad:bafyTest1234/abc123", "/v1/source/commit/:urn/:oid"},
		{"/v1/source/branches/rad:bafyTest1234", "/v1/source/branches/:urn"},
		// Trailing slashes are stripped before matching
		{"/v1/projects/rad:bafyTest1234/peers/", "/v1/projects/:urn/peers"},
		// Root path
		{"/", "/"},
		// Non-API paths
		{"/metrics", "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizePath(tt.input)
			if got != tt.want {
				t.Errorf("sanitizePath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInstrumentHandler_NilPassthrough(t *testing.T) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if requestID(r.Context()) == "" {
			t.Error("expected a correlation id even with nil metrics/audit")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, nil, nil)

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if !called {
		t.Error("handler was not called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInstrumentHandler_RecordsMetrics(t *testing.T) {
	m := overlay.NewMetrics("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	val := gatherCounter(t, m, "driftpeer_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/v1/projects/requests", "status": "200",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal = %v, want 1", val)
	}
}

func TestInstrumentHandler_CapturesErrorStatus(t *testing.T) {
	m := overlay.NewMetrics("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/v1/unknown", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	val := gatherCounter(t, m, "driftpeer_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/v1/unknown", "status": "404",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal = %v, want 1", val)
	}
}

func TestInstrumentHandler_SanitizesPath(t *testing.T) {
	m := overlay.NewMetrics("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("PUT", "/v1/projects/rad:bafyTest1234/track/12D3KooWTest1234567890", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	val := gatherCounter(t, m, "driftpeer_daemon_requests_total", map[string]string{
		"method": "PUT", "path": "/v1/projects/:urn/track/:peer_id", "status": "200",
	})
	if val != 1 {
		t.Errorf("DaemonRequestsTotal with sanitized path = %v, want 1", val)
	}
}

func TestInstrumentHandler_RecordsDuration(t *testing.T) {
	m := overlay.NewMetrics("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	count := gatherHistogramCount(t, m, "driftpeer_daemon_request_duration_seconds", map[string]string{
		"method": "GET", "path": "/v1/projects/requests", "status": "200",
	})
	if count != 1 {
		t.Errorf("DaemonRequestDurationSeconds sample count = %d, want 1", count)
	}
}

func TestInstrumentHandler_MultipleRequests(t *testing.T) {
	m := overlay.NewMetrics("test-0.1.0", runtime.Version())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := InstrumentHandler(handler, m, nil)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/v1/projects/requests", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}

	val := gatherCounter(t, m, "driftpeer_daemon_requests_total", map[string]string{
		"method": "GET", "path": "/v1/projects/requests", "status": "200",
	})
	if val != 5 {
		t.Errorf("DaemonRequestsTotal = %v, want 5", val)
	}
}

func TestStatusRecorder_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.Write([]byte("hello"))

	if sr.status != http.StatusOK {
		t.Errorf("default status = %d, want 200", sr.status)
	}
}

func TestStatusRecorder_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusCreated)

	if sr.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", sr.status)
	}
}

// --- test helpers using Registry.Gather() ---

func gatherCounter(t *testing.T, m *overlay.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func gatherHistogramCount(t *testing.T, m *overlay.Metrics, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, expected map[string]string) bool {
	if len(pairs) != len(expected) {
		return false
	}
	for _, lp := range pairs {
		if expected[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
