package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"quiz-access-service/internal/app"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/domain"
	"quiz-access-service/internal/grading"
)

// PasswordHeader carries the quiz password on eligibility checks.
const PasswordHeader = "X-Quiz-Password"

type API struct {
	service    *app.QuizService
	log        *zap.Logger
	trustProxy bool
	limiter    *entryLimiter
}

type enterRequest struct {
	Password string `json:"password"`
}

type submitRequest struct {
	Responses []domain.QuestionResponse `json:"responses"`
}

type gradeRequest struct {
	QuestionID string  `json:"questionId"`
	Score      float64 `json:"score"`
	Remarks    string  `json:"remarks"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) Instructions(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	view, err := a.service.Instructions(r.Context(), chi.URLParam(r, "quizID"), id, a.entryRequest(r, ""))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) Eligibility(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	id := auth.FromContext(r.Context())
	secret := r.Header.Get(PasswordHeader)
	if secret != "" && !a.limiter.allow(quizID, a.limiterKey(r, id)) {
		respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many password attempts"})
		return
	}
	elig, err := a.service.Eligibility(r.Context(), quizID, id, a.entryRequest(r, secret))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, elig)
}

func (a *API) Enter(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	id := auth.FromContext(r.Context())
	var req enterRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
			return
		}
	}
	if req.Password != "" && !a.limiter.allow(quizID, a.limiterKey(r, id)) {
		respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many password attempts"})
		return
	}
	entry, err := a.service.Enter(r.Context(), quizID, id, a.entryRequest(r, req.Password))
	if errors.Is(err, domain.ErrNotEligible) {
		respondJSON(w, http.StatusForbidden, entry)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	result, err := a.service.Submit(r.Context(), chi.URLParam(r, "quizID"), auth.FromContext(r.Context()), req.Responses)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (a *API) Result(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Result(r.Context(), chi.URLParam(r, "quizID"), auth.FromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) StudentQuizzes(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.StudentQuizzes(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (a *API) ApplyGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.QuestionID == "" {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "questionId and score are required"})
		return
	}
	result, err := a.service.ApplyGrade(r.Context(), auth.FromContext(r.Context()),
		chi.URLParam(r, "quizID"), chi.URLParam(r, "studentID"), req.QuestionID,
		grading.External{Score: req.Score, Remarks: req.Remarks})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (a *API) QuizStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.QuizStats(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "quizID"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (a *API) entryRequest(r *http.Request, secret string) app.EntryRequest {
	return app.EntryRequest{Origin: clientOrigin(r, a.trustProxy), Secret: secret}
}

func (a *API) limiterKey(r *http.Request, id auth.Identity) string {
	if id.Authenticated() {
		return id.Subject
	}
	return clientOrigin(r, a.trustProxy)
}

// writeError maps domain errors to status codes. Data-integrity detail is staff-facing
// and only logged.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	respondJSON(w, status, errorBody{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDataIntegrity):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrQuizNotFound),
		errors.Is(err, domain.ErrAttemptNotFound),
		errors.Is(err, domain.ErrResultNotFound),
		errors.Is(err, domain.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotYetAccessible):
		return http.StatusTooEarly
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrNotEligible),
		errors.Is(err, domain.ErrResultUnavailable):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrResultExists),
		errors.Is(err, domain.ErrAlreadyGraded),
		errors.Is(err, domain.ErrAttemptClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
