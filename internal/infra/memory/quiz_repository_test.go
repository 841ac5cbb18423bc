package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-access-service/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	clock := clockwork.NewFakeClock()
	repo := NewQuizRepositoryWithClock(loader, time.Minute, clock)

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls)
	}

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz 2: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls)
	}

	clock.Advance(2 * time.Minute)
	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz 3: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after expiry, loader calls %d", loader.calls)
	}
}

func TestQuizRepositoryNotFound(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizLoader(nil), time.Minute)
	if _, err := repo.GetQuiz(context.Background(), "missing"); err != domain.ErrQuizNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListQuizzesOrdersByStartAndWarmsCache(t *testing.T) {
	early := sampleQuiz()
	late := sampleQuiz()
	late.ID = "quiz-0"
	late.StartTime = early.StartTime.Add(time.Hour)
	late.EndTime = late.StartTime.Add(time.Hour)
	loader := &countingLoader{QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{
		early.ID: early,
		late.ID:  late,
	})}
	repo := NewQuizRepository(loader, time.Minute)

	list, err := repo.ListQuizzes(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "quiz-1" || list[1].ID != "quiz-0" {
		t.Fatalf("unexpected order %+v", list)
	}
	if _, err := repo.GetQuiz(context.Background(), "quiz-0"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if loader.calls != 0 {
		t.Fatalf("expected list to warm the cache, loader calls %d", loader.calls)
	}
}

type countingLoader struct {
	QuizLoader
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.calls++
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func sampleQuiz() domain.Quiz {
	start := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return domain.Quiz{
		ID:        "quiz-1",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    domain.StatusActive,
		Questions: []domain.Question{
			{
				ID:             "q1",
				Type:           domain.TypeMCQ,
				Prompt:         "What is 2 + 2?",
				Mark:           1,
				Options:        []domain.Option{{ID: "o1", Text: "3"}, {ID: "o2", Text: "4"}},
				CorrectOptions: []string{"o2"},
			},
		},
	}
}
