package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-access-service/internal/domain"
)

// AttemptStore keeps one attempt per (quiz, student) as JSON:
// SET quiz:{quizID}:attempt:{studentID} {json} NX
type AttemptStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAttemptStore stores attempts for ttl; zero keeps them until removed.
func NewAttemptStore(client *redis.Client, ttl time.Duration) *AttemptStore {
	return &AttemptStore{client: client, ttl: ttl}
}

func (s *AttemptStore) Start(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return domain.Attempt{}, err
	}
	key := attemptKey(attempt.QuizID, attempt.StudentID)
	created, err := s.client.SetNX(ctx, key, raw, s.ttl).Result()
	if err != nil {
		return domain.Attempt{}, err
	}
	if created {
		return attempt, nil
	}
	return s.Get(ctx, attempt.QuizID, attempt.StudentID)
}

func (s *AttemptStore) Get(ctx context.Context, quizID, studentID string) (domain.Attempt, error) {
	return decodeAttempt(s.client.Get(ctx, attemptKey(quizID, studentID)))
}

func (s *AttemptStore) MarkSubmitted(ctx context.Context, quizID, studentID string, at time.Time) error {
	key := attemptKey(quizID, studentID)
	return withRetry(func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			attempt, err := decodeAttempt(tx.Get(ctx, key))
			if err != nil {
				return err
			}
			if attempt.SubmittedAt != nil {
				return domain.ErrAttemptClosed
			}
			attempt.SubmittedAt = &at
			raw, err := json.Marshal(attempt)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, redis.KeepTTL)
				return nil
			})
			return err
		}, key)
	})
}

func decodeAttempt(cmd *redis.StringCmd) (domain.Attempt, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	var attempt domain.Attempt
	if err := json.Unmarshal(raw, &attempt); err != nil {
		return domain.Attempt{}, err
	}
	return attempt, nil
}

func attemptKey(quizID, studentID string) string {
	return "quiz:" + quizID + ":attempt:" + studentID
}

const maxTxRetries = 5

// withRetry reruns optimistic transactions that lost a WATCH race.
func withRetry(fn func() error) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		if err = fn(); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
