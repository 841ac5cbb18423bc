package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quiz-access-service/internal/app"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/metrics"
	"quiz-access-service/internal/poller"
)

// Deps wires the HTTP surface.
type Deps struct {
	Service    *app.QuizService
	Auth       *auth.Service
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	Clock      clockwork.Clock
	Policy     poller.Policy
	TrustProxy bool
	// EntryRate limits password attempts per (quiz, student); zero disables the limit.
	EntryRate  rate.Limit
	EntryBurst int
}

// NewRouter builds the REST and websocket routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	api := &API{
		service:    d.Service,
		log:        d.Logger,
		trustProxy: d.TrustProxy,
		limiter:    newEntryLimiter(d.EntryRate, d.EntryBurst, d.Clock),
	}
	ws := NewWSHandler(d.Service, d)
	ws.limiter = api.limiter

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(d.Auth.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/quizzes/{quizID}", func(r chi.Router) {
			r.Get("/instructions", api.Instructions)
			r.Get("/eligibility", api.Eligibility)
			r.Post("/enter", api.Enter)
			r.Post("/submit", api.Submit)
			r.Get("/result", api.Result)
		})
		r.Get("/me/quizzes", api.StudentQuizzes)
		r.Route("/staff/quizzes/{quizID}", func(r chi.Router) {
			r.Post("/results/{studentID}/grades", api.ApplyGrade)
			r.Get("/stats", api.QuizStats)
		})
	})
	r.Get("/ws/quizzes/{quizID}/watch", ws.ServeWS)
	return r
}
