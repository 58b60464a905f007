package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveJob(t *testing.T) {
	before := testutil.ToFloat64(lookupJobsTotal.WithLabelValues("error", "TIMEOUT"))
	ObserveJob("error", "TIMEOUT")
	after := testutil.ToFloat64(lookupJobsTotal.WithLabelValues("error", "TIMEOUT"))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %f", after-before)
	}
}

func TestGauges(t *testing.T) {
	SetQueueDepth(3)
	if got := testutil.ToFloat64(lookupQueueDepth); got != 3 {
		t.Fatalf("expected queue depth 3, got %f", got)
	}
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(lookupActiveWorkers); got != 0 {
		t.Fatalf("expected active workers 0, got %f", got)
	}
	ObserveJobDuration("synthetic", 2*time.Second)
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	if after-before != 1 {
		t.Fatalf("expected one recorded request, got %f", after-before)
	}
}
