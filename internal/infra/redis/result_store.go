package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"quiz-access-service/internal/domain"
)

// ResultStore keeps write-once results as JSON with a per-quiz index of students:
//
//	MULTI
//	SET  quiz:{quizID}:result:{studentID} {json} NX
//	SADD quiz:{quizID}:results {studentID}
//	EXEC
type ResultStore struct {
	client *redis.Client
}

func NewResultStore(client *redis.Client) *ResultStore {
	return &ResultStore{client: client}
}

func (s *ResultStore) Save(ctx context.Context, result domain.QuizResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	// a losing SETNX re-adds a member the index already holds
	var created *redis.BoolCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, resultKey(result.QuizID, result.StudentID), raw, 0)
		pipe.SAdd(ctx, indexKey(result.QuizID), result.StudentID)
		return nil
	}); err != nil {
		return err
	}
	if !created.Val() {
		return domain.ErrResultExists
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, quizID, studentID string) (domain.QuizResult, error) {
	return decodeResult(s.client.Get(ctx, resultKey(quizID, studentID)))
}

func (s *ResultStore) Update(ctx context.Context, quizID, studentID string, fn func(*domain.QuizResult) error) (domain.QuizResult, error) {
	key := resultKey(quizID, studentID)
	var updated domain.QuizResult
	err := withRetry(func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			result, err := decodeResult(tx.Get(ctx, key))
			if err != nil {
				return err
			}
			if err := fn(&result); err != nil {
				return err
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return err
			}
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, redis.KeepTTL)
				return nil
			}); err != nil {
				return err
			}
			updated = result
			return nil
		}, key)
	})
	if err != nil {
		return domain.QuizResult{}, err
	}
	return updated, nil
}

// ListByQuiz returns results ordered by student id.
func (s *ResultStore) ListByQuiz(ctx context.Context, quizID string) ([]domain.QuizResult, error) {
	students, err := s.client.SMembers(ctx, indexKey(quizID)).Result()
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, nil
	}
	sort.Strings(students)
	keys := make([]string, len(students))
	for i, id := range students {
		keys[i] = resultKey(quizID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.QuizResult, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var result domain.QuizResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}

func decodeResult(cmd *redis.StringCmd) (domain.QuizResult, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.QuizResult{}, domain.ErrResultNotFound
	}
	if err != nil {
		return domain.QuizResult{}, err
	}
	var result domain.QuizResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.QuizResult{}, err
	}
	return result, nil
}

func resultKey(quizID, studentID string) string {
	return "quiz:" + quizID + ":result:" + studentID
}

func indexKey(quizID string) string {
	return "quiz:" + quizID + ":results"
}
