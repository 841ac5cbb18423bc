package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/domain"
	"quiz-access-service/internal/grading"
	"quiz-access-service/internal/metrics"
	"quiz-access-service/internal/results"
)

// QuizRepository loads quiz definitions (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
}

// AttemptRepository stores one attempt per (quiz, student).
type AttemptRepository interface {
	// Start records attempt unless one exists, and returns the stored attempt either way.
	Start(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error)
	Get(ctx context.Context, quizID, studentID string) (domain.Attempt, error)
	MarkSubmitted(ctx context.Context, quizID, studentID string, at time.Time) error
}

// ResultRepository stores write-once results.
type ResultRepository interface {
	// Save returns domain.ErrResultExists when a result is already recorded.
	Save(ctx context.Context, result domain.QuizResult) error
	Get(ctx context.Context, quizID, studentID string) (domain.QuizResult, error)
	// Update applies fn atomically to the stored result and persists what fn leaves.
	Update(ctx context.Context, quizID, studentID string, fn func(*domain.QuizResult) error) (domain.QuizResult, error)
	ListByQuiz(ctx context.Context, quizID string) ([]domain.QuizResult, error)
}

// DefaultSubmitGrace is how long past the deadline an auto-submitted attempt is accepted.
const DefaultSubmitGrace = 30 * time.Second

type Option func(*QuizService)

func WithClock(c clockwork.Clock) Option { return func(s *QuizService) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *QuizService) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *QuizService) { s.metrics = m } }

func WithBands(b results.Bands) Option { return func(s *QuizService) { s.bands = b } }

func WithInstructionsLead(d time.Duration) Option {
	return func(s *QuizService) {
		if d > 0 {
			s.lead = d
		}
	}
}

func WithSubmitGrace(d time.Duration) Option {
	return func(s *QuizService) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// QuizService contains the quiz access and scoring use cases.
type QuizService struct {
	quizzes  QuizRepository
	attempts AttemptRepository
	results  ResultRepository
	clock    clockwork.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	bands    results.Bands
	lead     time.Duration
	grace    time.Duration
}

func NewQuizService(quizzes QuizRepository, attempts AttemptRepository, store ResultRepository, opts ...Option) *QuizService {
	s := &QuizService{
		quizzes:  quizzes,
		attempts: attempts,
		results:  store,
		clock:    clockwork.NewRealClock(),
		log:      zap.NewNop(),
		bands:    results.DefaultBands(),
		lead:     access.DefaultInstructionsLead,
		grace:    DefaultSubmitGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EntryRequest is what the transport knows about the caller besides the identity.
type EntryRequest struct {
	Origin string
	Secret string
}

// LabView is the public part of a lab.
type LabView struct {
	Name  string `json:"name"`
	Block string `json:"block,omitempty"`
}

// Instructions is the pre-entry view of a quiz. It never carries the secret, the
// answer keys or lab ranges.
type Instructions struct {
	QuizID          string             `json:"quizId"`
	Title           string             `json:"title"`
	StartTime       time.Time          `json:"startTime"`
	EndTime         time.Time          `json:"endTime"`
	DurationSeconds int64              `json:"durationSeconds"`
	Protected       bool               `json:"protected"`
	Labs            []LabView          `json:"labs"`
	QuestionCount   int                `json:"questionCount"`
	TotalMarks      float64            `json:"totalMarks"`
	Eligibility     access.Eligibility `json:"eligibility"`
}

// Instructions returns the quiz instructions once they are accessible, with the
// caller's current eligibility.
func (s *QuizService) Instructions(ctx context.Context, quizID string, id auth.Identity, req EntryRequest) (Instructions, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return Instructions{}, err
	}
	now := s.clock.Now()
	if !access.InstructionsOpen(quiz, now, s.lead) {
		return Instructions{}, domain.ErrNotYetAccessible
	}
	elig, err := s.evaluate(ctx, quiz, now, id, req)
	if err != nil {
		return Instructions{}, err
	}
	labs := make([]LabView, 0, len(quiz.Labs))
	for _, lab := range quiz.Labs {
		labs = append(labs, LabView{Name: lab.Name, Block: lab.Block})
	}
	return Instructions{
		QuizID:          quiz.ID,
		Title:           quiz.Title,
		StartTime:       quiz.StartTime,
		EndTime:         quiz.EndTime,
		DurationSeconds: quiz.DurationSeconds,
		Protected:       quiz.Protected,
		Labs:            labs,
		QuestionCount:   len(quiz.Questions),
		TotalMarks:      quiz.TotalMarks(),
		Eligibility:     elig,
	}, nil
}

// Eligibility re-checks whether the caller may enter. It never mutates state.
func (s *QuizService) Eligibility(ctx context.Context, quizID string, id auth.Identity, req EntryRequest) (access.Eligibility, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return access.Eligibility{}, err
	}
	return s.evaluate(ctx, quiz, s.clock.Now(), id, req)
}

// Entry is the outcome of Enter. Attempt is nil when entry was refused.
type Entry struct {
	Eligibility access.Eligibility `json:"eligibility"`
	Attempt     *domain.Attempt    `json:"attempt,omitempty"`
	Deadline    *time.Time         `json:"deadline,omitempty"`
}

// Enter starts the caller's attempt, or resumes the open one. A refusal returns
// domain.ErrNotEligible along with the reasons.
func (s *QuizService) Enter(ctx context.Context, quizID string, id auth.Identity, req EntryRequest) (Entry, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return Entry{}, err
	}
	now := s.clock.Now()
	elig, err := s.evaluate(ctx, quiz, now, id, req)
	if err != nil {
		return Entry{}, err
	}
	if !elig.CanEnter {
		return Entry{Eligibility: elig}, domain.ErrNotEligible
	}

	attempt, err := s.attempts.Start(ctx, domain.Attempt{
		ID:        newAttemptID(),
		QuizID:    quiz.ID,
		StudentID: id.Subject,
		StartedAt: now,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("start attempt: %w", err)
	}
	deadline := attempt.Deadline(quiz)
	s.log.Info("attempt entered",
		zap.String("quiz", quiz.ID),
		zap.String("student", id.Subject),
		zap.String("attempt", attempt.ID),
		zap.Time("deadline", deadline))
	return Entry{Eligibility: elig, Attempt: &attempt, Deadline: &deadline}, nil
}

// Submit grades the caller's responses and records the result once.
func (s *QuizService) Submit(ctx context.Context, quizID string, id auth.Identity, responses []domain.QuestionResponse) (domain.QuizResult, error) {
	if !id.Authenticated() {
		return domain.QuizResult{}, domain.ErrUnauthenticated
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizResult{}, err
	}
	attempt, err := s.attempts.Get(ctx, quizID, id.Subject)
	if err != nil {
		return domain.QuizResult{}, err
	}
	if attempt.SubmittedAt != nil {
		return domain.QuizResult{}, domain.ErrResultExists
	}
	now := s.clock.Now()
	limit := attempt.Deadline(quiz)
	if quiz.AutoSubmit {
		limit = limit.Add(s.grace)
	}
	if now.After(limit) {
		return domain.QuizResult{}, domain.ErrAttemptClosed
	}

	graded, err := grading.GradeAll(quiz, responses)
	if err != nil {
		s.reportDataError(quiz.ID, err)
		return domain.QuizResult{}, err
	}
	result, err := results.Aggregate(quiz, graded)
	if err != nil {
		return domain.QuizResult{}, err
	}
	result.StudentID = id.Subject
	result.StartTime = attempt.StartedAt
	result.SubmittedAt = now

	if err := s.results.Save(ctx, result); err != nil {
		return domain.QuizResult{}, err
	}
	if err := s.attempts.MarkSubmitted(ctx, quizID, id.Subject, now); err != nil {
		return domain.QuizResult{}, fmt.Errorf("mark attempt submitted: %w", err)
	}
	s.log.Info("result recorded",
		zap.String("quiz", quiz.ID),
		zap.String("student", id.Subject),
		zap.Float64("score", result.Score),
		zap.Bool("final", result.Final))
	return result, nil
}

// ApplyGrade merges a staff or pipeline grade into a pending response and re-aggregates.
func (s *QuizService) ApplyGrade(ctx context.Context, id auth.Identity, quizID, studentID, questionID string, ext grading.External) (domain.QuizResult, error) {
	if err := requireStaff(id); err != nil {
		return domain.QuizResult{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.QuizResult{}, err
	}
	question, ok := quiz.Question(questionID)
	if !ok {
		return domain.QuizResult{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, questionID)
	}

	updated, err := s.results.Update(ctx, quizID, studentID, func(r *domain.QuizResult) error {
		idx := -1
		for i := range r.Responses {
			if r.Responses[i].QuestionID == questionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, questionID)
		}
		merged, err := grading.ApplyExternal(question, r.Responses[idx], ext)
		if err != nil {
			return err
		}
		responses := append([]domain.GradedResponse(nil), r.Responses...)
		responses[idx] = merged
		next, err := results.Aggregate(quiz, responses)
		if err != nil {
			return err
		}
		next.StudentID = r.StudentID
		next.StartTime = r.StartTime
		next.SubmittedAt = r.SubmittedAt
		*r = next
		return nil
	})
	if err != nil {
		return domain.QuizResult{}, err
	}
	s.log.Info("external grade applied",
		zap.String("quiz", quizID),
		zap.String("student", studentID),
		zap.String("question", questionID),
		zap.String("grader", id.Subject),
		zap.Bool("final", updated.Final))
	return updated, nil
}

// ResultView is a student's own result.
type ResultView struct {
	Result     domain.QuizResult `json:"result"`
	Percentage float64           `json:"percentage"`
	Band       results.Band      `json:"band,omitempty"`
}

// Result returns the caller's result once the quiz is completed and results are published.
func (s *QuizService) Result(ctx context.Context, quizID string, id auth.Identity) (ResultView, error) {
	if !id.Authenticated() {
		return ResultView{}, domain.ErrUnauthenticated
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return ResultView{}, err
	}
	if access.State(quiz, s.clock.Now()) != domain.StateCompleted || !quiz.PublishResult {
		return ResultView{}, domain.ErrResultUnavailable
	}
	result, err := s.results.Get(ctx, quizID, id.Subject)
	if err != nil {
		return ResultView{}, err
	}
	pct, err := results.Normalize(result)
	if err != nil {
		s.reportDataError(quizID, err)
		return ResultView{}, fmt.Errorf("quiz %s result for %s: %w", quizID, id.Subject, err)
	}
	view := ResultView{Result: result, Percentage: pct}
	if result.Final {
		view.Band = s.bands.Classify(pct)
	}
	return view, nil
}

// StudentQuizzes lists every quiz as the caller sees it, with the dashboard summary.
func (s *QuizService) StudentQuizzes(ctx context.Context, id auth.Identity) (results.Summary, error) {
	if !id.Authenticated() {
		return results.Summary{}, domain.ErrUnauthenticated
	}
	quizzes, err := s.quizzes.ListQuizzes(ctx)
	if err != nil {
		return results.Summary{}, err
	}
	now := s.clock.Now()
	entries := make([]results.Entry, 0, len(quizzes))
	for _, quiz := range quizzes {
		var stored *domain.QuizResult
		if access.State(quiz, now) == domain.StateCompleted {
			result, err := s.results.Get(ctx, quiz.ID, id.Subject)
			switch {
			case err == nil:
				stored = &result
			case !errors.Is(err, domain.ErrResultNotFound):
				return results.Summary{}, err
			}
		}
		entry := results.Entry{Quiz: quiz, State: access.StudentState(quiz, now, stored != nil)}
		if quiz.PublishResult {
			entry.Result = stored
		}
		entries = append(entries, entry)
	}
	summary, err := s.bands.Summarize(entries)
	if err != nil {
		s.log.Error("dashboard aggregation failed", zap.String("student", id.Subject), zap.Error(err))
		return results.Summary{}, err
	}
	return summary, nil
}

// QuizStats returns the result distribution of one quiz.
func (s *QuizService) QuizStats(ctx context.Context, id auth.Identity, quizID string) (results.Stats, error) {
	if err := requireStaff(id); err != nil {
		return results.Stats{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return results.Stats{}, err
	}
	all, err := s.results.ListByQuiz(ctx, quizID)
	if err != nil {
		return results.Stats{}, err
	}
	return s.bands.QuizStats(quiz, all)
}

func (s *QuizService) evaluate(ctx context.Context, quiz domain.Quiz, now time.Time, id auth.Identity, req EntryRequest) (access.Eligibility, error) {
	areq := access.Request{
		Authenticated: id.Authenticated(),
		StudentID:     id.Subject,
		Origin:        req.Origin,
		Secret:        req.Secret,
	}
	if id.Authenticated() {
		attempt, err := s.attempts.Get(ctx, quiz.ID, id.Subject)
		switch {
		case err == nil:
			areq.Attempt = &attempt
		case !errors.Is(err, domain.ErrAttemptNotFound):
			return access.Eligibility{}, err
		}
	}
	elig, err := access.Evaluate(quiz, now, areq)
	if err != nil {
		s.reportDataError(quiz.ID, err)
		return access.Eligibility{}, err
	}
	s.metrics.ObserveEvaluation(string(elig.State), elig.CanEnter)
	return elig, nil
}

// reportDataError logs every data-integrity fault in err, which may be joined.
func (s *QuizService) reportDataError(quizID string, err error) {
	for _, e := range flatten(err) {
		var gde *domain.GradingDataError
		if errors.As(e, &gde) {
			s.metrics.ObserveGradingError(string(gde.Type))
		}
		if errors.Is(e, domain.ErrDataIntegrity) {
			s.log.Error("quiz data integrity", zap.String("quiz", quizID), zap.Error(e))
		}
	}
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

func requireStaff(id auth.Identity) error {
	if !id.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if id.Role != auth.RoleStaff {
		return domain.ErrForbidden
	}
	return nil
}
