package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/call-logs/{patientId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/call-logs/{patientId}", "418"))
	req := httptest.NewRequest(http.MethodGet, "/call-logs/p-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/call-logs/{patientId}", "418"))
	if after-before != 1 {
		t.Errorf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(anomalyChecks.WithLabelValues("none"))
	RecordAnomalyCheck("")
	if got := testutil.ToFloat64(anomalyChecks.WithLabelValues("none")) - before; got != 1 {
		t.Errorf("anomaly none delta = %v", got)
	}

	before = testutil.ToFloat64(callAttempts.WithLabelValues("2", "failed"))
	RecordCallAttempt(2, "failed")
	if got := testutil.ToFloat64(callAttempts.WithLabelValues("2", "failed")) - before; got != 1 {
		t.Errorf("call attempt delta = %v", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	RecordSchedulerTick(3)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "carecall_scheduler_ticks_total") {
		t.Error("expected scheduler tick metric in output")
	}
}
