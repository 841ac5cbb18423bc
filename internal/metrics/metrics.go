// Package metrics holds the service's prometheus collectors. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Evaluations     *prometheus.CounterVec
	GradingErrors   *prometheus.CounterVec
	PollFetches     *prometheus.CounterVec
	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiz_eligibility_evaluations_total",
				Help: "Eligibility evaluations by lifecycle state and outcome",
			},
			[]string{"state", "can_enter"},
		),
		GradingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiz_grading_data_errors_total",
				Help: "Questions that could not be graded because of malformed answer data",
			},
			[]string{"type"},
		),
		PollFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quiz_poll_fetches_total",
				Help: "Session poller eligibility fetches by outcome",
			},
			[]string{"outcome"},
		),
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "endpoint"},
		),
	}
	reg.MustRegister(m.Evaluations, m.GradingErrors, m.PollFetches, m.RequestCounter, m.RequestDuration)
	return m
}

func (m *Metrics) ObserveEvaluation(state string, canEnter bool) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(state, strconv.FormatBool(canEnter)).Inc()
}

func (m *Metrics) ObserveGradingError(questionType string) {
	if m == nil {
		return
	}
	m.GradingErrors.WithLabelValues(questionType).Inc()
}

func (m *Metrics) ObservePoll(outcome string) {
	if m == nil {
		return
	}
	m.PollFetches.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		m.RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(sw.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack keeps websocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
