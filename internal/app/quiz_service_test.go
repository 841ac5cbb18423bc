package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/app"
	"quiz-access-service/internal/auth"
	"quiz-access-service/internal/domain"
	"quiz-access-service/internal/grading"
	"quiz-access-service/internal/infra/memory"
	redisstore "quiz-access-service/internal/infra/redis"
	"quiz-access-service/internal/results"
)

var (
	quizStart = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	student   = auth.Identity{Subject: "s1", Role: auth.RoleStudent}
	staff     = auth.Identity{Subject: "t1", Role: auth.RoleStaff}
)

func TestInstructionsBoundary(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart.Add(-301 * time.Second))
	service := newTestService(clock, sampleQuiz())

	if _, err := service.Instructions(ctx, "quiz-1", student, app.EntryRequest{}); !errors.Is(err, domain.ErrNotYetAccessible) {
		t.Fatalf("expected not yet accessible, got %v", err)
	}

	clock.Advance(2 * time.Second)
	view, err := service.Instructions(ctx, "quiz-1", student, app.EntryRequest{})
	if err != nil {
		t.Fatalf("instructions: %v", err)
	}
	if view.Eligibility.State != domain.StateUpcoming || !view.Eligibility.HasReason(access.ReasonNotStarted) {
		t.Fatalf("expected UPCOMING not started, got %+v", view.Eligibility)
	}
	if view.QuestionCount != 2 || view.TotalMarks != 7 {
		t.Fatalf("unexpected instructions %+v", view)
	}

	clock.Advance(299 * time.Second)
	elig, err := service.Eligibility(ctx, "quiz-1", student, app.EntryRequest{})
	if err != nil {
		t.Fatalf("eligibility: %v", err)
	}
	if elig.State != domain.StateLive || !elig.CanEnter {
		t.Fatalf("expected LIVE and enterable, got %+v", elig)
	}
}

func TestInstructionsUnknownQuiz(t *testing.T) {
	service := newTestService(clockwork.NewFakeClockAt(quizStart), sampleQuiz())
	if _, err := service.Instructions(context.Background(), "nope", student, app.EntryRequest{}); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEnterSubmitWriteOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart.Add(time.Minute))
	service := newTestService(clock, sampleQuiz())

	entry, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if entry.Attempt == nil || entry.Deadline == nil || !entry.Deadline.Equal(quizStart.Add(31*time.Minute)) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	again, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{})
	if err != nil || again.Attempt.ID != entry.Attempt.ID {
		t.Fatalf("expected resume of the same attempt, got %+v %v", again, err)
	}

	clock.Advance(10 * time.Minute)
	result, err := service.Submit(ctx, "quiz-1", student, []domain.QuestionResponse{
		{QuestionID: "q1", Values: []string{"o2"}},
		{QuestionID: "q2", Text: "an essay"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Score != 2 || result.TotalScore != 7 || result.Final {
		t.Fatalf("unexpected result %+v", result)
	}

	if _, err := service.Submit(ctx, "quiz-1", student, nil); !errors.Is(err, domain.ErrResultExists) {
		t.Fatalf("expected write-once, got %v", err)
	}

	elig, _ := service.Eligibility(ctx, "quiz-1", student, app.EntryRequest{})
	if elig.CanEnter || !elig.HasReason(access.ReasonAttemptSubmitted) {
		t.Fatalf("expected submitted attempt to block re-entry, got %+v", elig)
	}
}

func TestSubmitRequiresOpenAttempt(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart.Add(time.Minute))
	service := newTestService(clock, sampleQuiz())

	if _, err := service.Submit(ctx, "quiz-1", student, nil); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected attempt not found, got %v", err)
	}
	if _, err := service.Submit(ctx, "quiz-1", auth.Identity{}, nil); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	clock.Advance(31 * time.Minute)
	if _, err := service.Submit(ctx, "quiz-1", student, nil); !errors.Is(err, domain.ErrAttemptClosed) {
		t.Fatalf("expected closed after deadline, got %v", err)
	}
}

func TestAutoSubmitGrace(t *testing.T) {
	ctx := context.Background()
	quiz := sampleQuiz()
	quiz.AutoSubmit = true
	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, quiz)

	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	clock.Advance(30*time.Minute + 10*time.Second)
	if _, err := service.Submit(ctx, "quiz-1", student, nil); err != nil {
		t.Fatalf("expected auto-submit within grace to be accepted, got %v", err)
	}
}

func TestEnterRefusedWithReasons(t *testing.T) {
	ctx := context.Background()
	quiz := sampleQuiz()
	quiz.Protected = true
	quiz.Secret = "open-sesame"
	quiz.Labs = []domain.Lab{{ID: "lab-a", Name: "Lab A", Block: "B1", Ranges: []string{"10.0.1.0/24"}}}
	service := newTestService(clockwork.NewFakeClockAt(quizStart), quiz)

	entry, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{Origin: "192.168.1.5", Secret: "guess"})
	if !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("expected not eligible, got %v", err)
	}
	if entry.Attempt != nil {
		t.Fatalf("refused entry must not start an attempt")
	}
	if !entry.Eligibility.HasReason(access.ReasonOutsideLab) || !entry.Eligibility.HasReason(access.ReasonPasswordIncorrect) {
		t.Fatalf("expected lab and password reasons, got %+v", entry.Eligibility.Reasons)
	}

	entry, err = service.Enter(ctx, "quiz-1", student, app.EntryRequest{Origin: "10.0.1.9:5123", Secret: "open-sesame"})
	if err != nil || entry.Attempt == nil {
		t.Fatalf("expected entry, got %+v %v", entry, err)
	}
}

func TestMalformedQuizIsDataError(t *testing.T) {
	quiz := sampleQuiz()
	quiz.EndTime = quiz.StartTime
	service := newTestService(clockwork.NewFakeClockAt(quizStart), quiz)

	_, err := service.Eligibility(context.Background(), "quiz-1", student, app.EntryRequest{})
	if !errors.Is(err, domain.ErrDataIntegrity) {
		t.Fatalf("expected data integrity error, got %v", err)
	}
	var we *domain.WindowError
	if !errors.As(err, &we) || we.QuizID != "quiz-1" {
		t.Fatalf("expected window error, got %v", err)
	}
}

func TestApplyGradeFinalizes(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, sampleQuiz())
	submitSample(t, service, clock)

	if _, err := service.ApplyGrade(ctx, student, "quiz-1", "s1", "q2", grading.External{Score: 5}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for students, got %v", err)
	}

	result, err := service.ApplyGrade(ctx, staff, "quiz-1", "s1", "q2", grading.External{Score: 9, Remarks: "great"})
	if err != nil {
		t.Fatalf("apply grade: %v", err)
	}
	if !result.Final || result.Score != 7 {
		t.Fatalf("expected final 7/7 after clamped grade, got %+v", result)
	}
	if g := result.Responses[1]; !g.Flagged || g.Status != domain.GradeManual {
		t.Fatalf("expected clamped manual grade, got %+v", g)
	}

	if _, err := service.ApplyGrade(ctx, staff, "quiz-1", "s1", "q2", grading.External{Score: 1}); !errors.Is(err, domain.ErrAlreadyGraded) {
		t.Fatalf("expected already graded, got %v", err)
	}
	if _, err := service.ApplyGrade(ctx, staff, "quiz-1", "s1", "q1", grading.External{Score: 1}); !errors.Is(err, domain.ErrAlreadyGraded) {
		t.Fatalf("expected auto-graded response to be final, got %v", err)
	}
	if _, err := service.ApplyGrade(ctx, staff, "quiz-1", "s1", "q9", grading.External{}); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
}

func TestResultVisibility(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart)
	quiz := sampleQuiz()
	service := newTestService(clock, quiz)
	submitSample(t, service, clock)

	if _, err := service.Result(ctx, "quiz-1", student); !errors.Is(err, domain.ErrResultUnavailable) {
		t.Fatalf("expected unavailable while live, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	view, err := service.Result(ctx, "quiz-1", student)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if view.Result.Score != 2 || view.Band != "" {
		t.Fatalf("expected provisional result without band, got %+v", view)
	}

	if _, err := service.Result(ctx, "quiz-1", auth.Identity{Subject: "s2", Role: auth.RoleStudent}); !errors.Is(err, domain.ErrResultNotFound) {
		t.Fatalf("expected not found for another student, got %v", err)
	}
}

func TestStudentQuizzesCountsMissed(t *testing.T) {
	ctx := context.Background()
	taken := sampleQuiz()
	taken.Questions = taken.Questions[:1]
	missed := sampleQuiz()
	missed.ID = "quiz-2"
	missed.Title = "Missed quiz"
	upcoming := sampleQuiz()
	upcoming.ID = "quiz-3"
	upcoming.StartTime = quizStart.Add(48 * time.Hour)
	upcoming.EndTime = upcoming.StartTime.Add(time.Hour)

	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, taken, missed, upcoming)
	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := service.Submit(ctx, "quiz-1", student, []domain.QuestionResponse{{QuestionID: "q1", Values: []string{"o2"}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(2 * time.Hour)
	summary, err := service.StudentQuizzes(ctx, student)
	if err != nil {
		t.Fatalf("student quizzes: %v", err)
	}
	if summary.Counted != 2 || summary.Missed != 1 {
		t.Fatalf("expected taken and missed to count, got %+v", summary)
	}
	if summary.Score != 2 || summary.TotalScore != 9 {
		t.Fatalf("expected 2/9, got %v/%v", summary.Score, summary.TotalScore)
	}
	states := map[string]domain.LifecycleState{}
	for _, l := range summary.Lines {
		states[l.QuizID] = l.State
	}
	if states["quiz-2"] != domain.StateMissed || states["quiz-3"] != domain.StateUpcoming {
		t.Fatalf("unexpected states %+v", states)
	}
}

func TestStudentQuizzesCountsAbandonedAttempt(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, sampleQuiz())
	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}

	clock.Advance(2 * time.Hour)
	summary, err := service.StudentQuizzes(ctx, student)
	if err != nil {
		t.Fatalf("student quizzes: %v", err)
	}
	if summary.Counted != 1 || summary.Missed != 1 || summary.Score != 0 || summary.TotalScore != 7 {
		t.Fatalf("expected an unsubmitted attempt to count as 0/7, got %+v", summary)
	}
	if summary.Lines[0].State != domain.StateMissed {
		t.Fatalf("expected MISSED, got %s", summary.Lines[0].State)
	}
}

func TestStudentQuizzesOutlivesAttemptExpiry(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	quiz := sampleQuiz()
	quiz.Questions = quiz.Questions[:1]
	clock := clockwork.NewFakeClockAt(quizStart)
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{quiz.ID: quiz}), time.Minute)
	service := app.NewQuizService(quizRepo,
		redisstore.NewAttemptStore(client, time.Hour),
		redisstore.NewResultStore(client),
		app.WithClock(clock))

	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := service.Submit(ctx, "quiz-1", student, []domain.QuestionResponse{{QuestionID: "q1", Values: []string{"o2"}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(48 * time.Hour)
	mr.FastForward(25 * time.Hour)
	summary, err := service.StudentQuizzes(ctx, student)
	if err != nil {
		t.Fatalf("student quizzes: %v", err)
	}
	if summary.Missed != 0 || summary.Score != 2 || summary.TotalScore != 2 {
		t.Fatalf("expected the stored result to count once the attempt expired, got %+v", summary)
	}
	if summary.Lines[0].State != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", summary.Lines[0].State)
	}
}

func TestResultZeroTotalIsDataError(t *testing.T) {
	ctx := context.Background()
	quiz := sampleQuiz()
	quiz.Questions = quiz.Questions[:1]
	quiz.Questions[0].Mark = 0
	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, quiz)
	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if _, err := service.Submit(ctx, "quiz-1", student, []domain.QuestionResponse{{QuestionID: "q1", Values: []string{"o2"}}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(2 * time.Hour)
	_, err := service.Result(ctx, "quiz-1", student)
	if !errors.Is(err, domain.ErrZeroTotal) || !errors.Is(err, domain.ErrDataIntegrity) {
		t.Fatalf("expected zero total data error, got %v", err)
	}
}

func TestQuizStatsRequiresStaff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(quizStart)
	service := newTestService(clock, sampleQuiz())
	submitSample(t, service, clock)

	if _, err := service.QuizStats(ctx, student, "quiz-1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	stats, err := service.QuizStats(ctx, staff, "quiz-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Count != 0 {
		t.Fatalf("expected one pending result, got %+v", stats)
	}

	if _, err := service.ApplyGrade(ctx, staff, "quiz-1", "s1", "q2", grading.External{Score: 1.5}); err != nil {
		t.Fatalf("apply grade: %v", err)
	}
	stats, _ = service.QuizStats(ctx, staff, "quiz-1")
	if stats.Count != 1 || stats.Bands[results.BandAverage] != 1 {
		t.Fatalf("expected one AVERAGE result, got %+v", stats)
	}
}

func submitSample(t *testing.T, service *app.QuizService, clock clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()
	if _, err := service.Enter(ctx, "quiz-1", student, app.EntryRequest{}); err != nil {
		t.Fatalf("enter: %v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := service.Submit(ctx, "quiz-1", student, []domain.QuestionResponse{
		{QuestionID: "q1", Values: []string{"o2"}},
		{QuestionID: "q2", Text: "an essay"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func newTestService(clock clockwork.Clock, quizzes ...domain.Quiz) *app.QuizService {
	byID := make(map[string]domain.Quiz, len(quizzes))
	for _, q := range quizzes {
		byID[q.ID] = q
	}
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(byID), 5*time.Minute)
	return app.NewQuizService(quizRepo, memory.NewAttemptStore(), memory.NewResultStore(), app.WithClock(clock))
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:              "quiz-1",
		Title:           "Networks midterm",
		StartTime:       quizStart,
		EndTime:         quizStart.Add(time.Hour),
		DurationSeconds: 1800,
		Status:          domain.StatusActive,
		PublishResult:   true,
		Questions: []domain.Question{
			{
				ID:             "q1",
				Type:           domain.TypeMCQ,
				Prompt:         "Select the right option",
				Mark:           2,
				Options:        []domain.Option{{ID: "o1", Text: "Wrong"}, {ID: "o2", Text: "Right"}},
				CorrectOptions: []string{"o2"},
			},
			{
				ID:     "q2",
				Type:   domain.TypeDescriptive,
				Prompt: "Explain TCP slow start",
				Mark:   5,
			},
		},
	}
}
