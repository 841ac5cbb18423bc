package memory

import (
	"context"
	"sync"
	"time"

	"quiz-access-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptRepository.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[key]domain.Attempt
}

type key struct {
	quizID    string
	studentID string
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[key]domain.Attempt)}
}

func (s *AttemptStore) Start(_ context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{attempt.QuizID, attempt.StudentID}
	if existing, ok := s.attempts[k]; ok {
		return existing, nil
	}
	s.attempts[k] = attempt
	return attempt, nil
}

func (s *AttemptStore) Get(_ context.Context, quizID, studentID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[key{quizID, studentID}]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *AttemptStore) MarkSubmitted(_ context.Context, quizID, studentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{quizID, studentID}
	attempt, ok := s.attempts[k]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if attempt.SubmittedAt != nil {
		return domain.ErrAttemptClosed
	}
	attempt.SubmittedAt = &at
	s.attempts[k] = attempt
	return nil
}
