package memory

import (
	"context"
	"sort"
	"sync"

	"quiz-access-service/internal/domain"
)

// ResultStore is an in-memory implementation of app.ResultRepository.
type ResultStore struct {
	mu      sync.RWMutex
	results map[key]domain.QuizResult
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[key]domain.QuizResult)}
}

func (s *ResultStore) Save(_ context.Context, result domain.QuizResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{result.QuizID, result.StudentID}
	if _, ok := s.results[k]; ok {
		return domain.ErrResultExists
	}
	s.results[k] = clone(result)
	return nil
}

func (s *ResultStore) Get(_ context.Context, quizID, studentID string) (domain.QuizResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[key{quizID, studentID}]
	if !ok {
		return domain.QuizResult{}, domain.ErrResultNotFound
	}
	return clone(result), nil
}

func (s *ResultStore) Update(_ context.Context, quizID, studentID string, fn func(*domain.QuizResult) error) (domain.QuizResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{quizID, studentID}
	stored, ok := s.results[k]
	if !ok {
		return domain.QuizResult{}, domain.ErrResultNotFound
	}
	next := clone(stored)
	if err := fn(&next); err != nil {
		return domain.QuizResult{}, err
	}
	s.results[k] = clone(next)
	return next, nil
}

// ListByQuiz returns results ordered by student id.
func (s *ResultStore) ListByQuiz(_ context.Context, quizID string) ([]domain.QuizResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.QuizResult
	for k, r := range s.results {
		if k.quizID == quizID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// clone keeps callers from mutating stored responses through the shared slice.
func clone(r domain.QuizResult) domain.QuizResult {
	r.Responses = append([]domain.GradedResponse(nil), r.Responses...)
	return r
}
