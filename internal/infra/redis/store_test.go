package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-access-service/internal/domain"
)

func TestAttemptStoreStartOnce(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	store := NewAttemptStore(client, 24*time.Hour)

	first := domain.Attempt{ID: "a1", QuizID: "quiz-1", StudentID: "s1", StartedAt: time.Unix(100, 0).UTC()}
	if _, err := store.Start(ctx, first); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := store.Start(ctx, domain.Attempt{ID: "a2", QuizID: "quiz-1", StudentID: "s1", StartedAt: time.Unix(200, 0).UTC()})
	if err != nil || got.ID != "a1" {
		t.Fatalf("expected existing attempt, got %+v %v", got, err)
	}

	if err := store.MarkSubmitted(ctx, "quiz-1", "s1", time.Unix(300, 0).UTC()); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := store.MarkSubmitted(ctx, "quiz-1", "s1", time.Unix(301, 0).UTC()); !errors.Is(err, domain.ErrAttemptClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	got, _ = store.Get(ctx, "quiz-1", "s1")
	if got.SubmittedAt == nil || !got.SubmittedAt.Equal(time.Unix(300, 0)) {
		t.Fatalf("expected submitted at 300, got %+v", got)
	}
	if ttl := mr.TTL("quiz:quiz-1:attempt:s1"); ttl != 24*time.Hour {
		t.Fatalf("expected ttl kept, got %s", ttl)
	}
	if _, err := store.Get(ctx, "quiz-1", "nobody"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResultStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	store := NewResultStore(client)

	pending := domain.QuizResult{QuizID: "quiz-1", StudentID: "s2", Score: 1, TotalScore: 4,
		Responses: []domain.GradedResponse{{QuestionResponse: domain.QuestionResponse{QuestionID: "q1"}, Status: domain.GradePending}}}
	if err := store.Save(ctx, pending); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, pending); !errors.Is(err, domain.ErrResultExists) {
		t.Fatalf("expected write-once, got %v", err)
	}
	if err := store.Save(ctx, domain.QuizResult{QuizID: "quiz-1", StudentID: "s1", Final: true}); err != nil {
		t.Fatalf("save s1: %v", err)
	}

	updated, err := store.Update(ctx, "quiz-1", "s2", func(r *domain.QuizResult) error {
		r.Responses[0].Status = domain.GradeManual
		r.Final = true
		return nil
	})
	if err != nil || !updated.Final {
		t.Fatalf("update: %+v %v", updated, err)
	}
	if _, err := store.Update(ctx, "quiz-1", "s2", func(*domain.QuizResult) error { return domain.ErrAlreadyGraded }); !errors.Is(err, domain.ErrAlreadyGraded) {
		t.Fatalf("expected fn error, got %v", err)
	}

	list, err := store.ListByQuiz(ctx, "quiz-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].StudentID != "s1" || !list[1].Final {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, err := store.Get(ctx, "quiz-2", "s1"); !errors.Is(err, domain.ErrResultNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResultStoreSaveIndexesAtomically(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	store := NewResultStore(client)
	result := domain.QuizResult{QuizID: "quiz-1", StudentID: "s1", Final: true}

	mr.SetError("ERR write rejected")
	if err := store.Save(ctx, result); err == nil {
		t.Fatalf("expected save to fail while redis rejects writes")
	}
	mr.SetError("")
	if mr.Exists(resultKey("quiz-1", "s1")) || mr.Exists(indexKey("quiz-1")) {
		t.Fatalf("expected neither result nor index after a failed save")
	}

	if err := store.Save(ctx, result); err != nil {
		t.Fatalf("save: %v", err)
	}
	indexed, err := mr.IsMember(indexKey("quiz-1"), "s1")
	if err != nil || !indexed || !mr.Exists(resultKey("quiz-1", "s1")) {
		t.Fatalf("expected result and index written together, indexed=%v err=%v", indexed, err)
	}
	list, err := store.ListByQuiz(ctx, "quiz-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected the saved result listed, got %+v %v", list, err)
	}
}
