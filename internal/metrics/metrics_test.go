package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/quizzes/{quizID}/eligibility", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quizzes/quiz-1/eligibility", nil))

	got := testutil.ToFloat64(m.RequestCounter.WithLabelValues("GET", "/api/quizzes/{quizID}/eligibility", "418"))
	if got != 1 {
		t.Fatalf("expected one request counted under the route pattern, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluation("LIVE", true)
	m.ObserveGradingError("MCQ")
	m.ObservePoll("ok")
	h := m.Middleware(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveEvaluation("LIVE", false)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `quiz_eligibility_evaluations_total{can_enter="false",state="LIVE"} 1`) {
		t.Fatalf("expected evaluation counter in output, got:\n%s", rec.Body.String())
	}
}
