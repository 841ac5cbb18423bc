package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiz-access-service/internal/domain"
)

type attemptRow struct {
	bun.BaseModel `bun:"table:quiz_attempts"`

	QuizID      string     `bun:"quiz_id,pk"`
	StudentID   string     `bun:"student_id,pk"`
	ID          string     `bun:"id,notnull"`
	StartedAt   time.Time  `bun:"started_at,notnull"`
	SubmittedAt *time.Time `bun:"submitted_at"`
}

func (r attemptRow) attempt() domain.Attempt {
	return domain.Attempt{
		ID:          r.ID,
		QuizID:      r.QuizID,
		StudentID:   r.StudentID,
		StartedAt:   r.StartedAt,
		SubmittedAt: r.SubmittedAt,
	}
}

// AttemptStore persists attempts with bun.
type AttemptStore struct {
	db *bun.DB
}

func NewAttemptStore(db *bun.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func (s *AttemptStore) Start(ctx context.Context, attempt domain.Attempt) (domain.Attempt, error) {
	row := &attemptRow{
		QuizID:    attempt.QuizID,
		StudentID: attempt.StudentID,
		ID:        attempt.ID,
		StartedAt: attempt.StartedAt,
	}
	if _, err := s.db.NewInsert().Model(row).On("CONFLICT (quiz_id, student_id) DO NOTHING").Exec(ctx); err != nil {
		return domain.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return s.Get(ctx, attempt.QuizID, attempt.StudentID)
}

func (s *AttemptStore) Get(ctx context.Context, quizID, studentID string) (domain.Attempt, error) {
	row := new(attemptRow)
	err := s.db.NewSelect().Model(row).
		Where("quiz_id = ? AND student_id = ?", quizID, studentID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("select attempt: %w", err)
	}
	return row.attempt(), nil
}

func (s *AttemptStore) MarkSubmitted(ctx context.Context, quizID, studentID string, at time.Time) error {
	res, err := s.db.NewUpdate().Model((*attemptRow)(nil)).
		Set("submitted_at = ?", at).
		Where("quiz_id = ? AND student_id = ? AND submitted_at IS NULL", quizID, studentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark attempt submitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, quizID, studentID); err != nil {
		return err
	}
	return domain.ErrAttemptClosed
}

type resultRow struct {
	bun.BaseModel `bun:"table:quiz_results"`

	QuizID      string                  `bun:"quiz_id,pk"`
	StudentID   string                  `bun:"student_id,pk"`
	Score       float64                 `bun:"score,notnull"`
	TotalScore  float64                 `bun:"total_score,notnull"`
	Final       bool                    `bun:"final,notnull"`
	StartTime   time.Time               `bun:"start_time,notnull"`
	SubmittedAt time.Time               `bun:"submitted_at,notnull"`
	Responses   []domain.GradedResponse `bun:"responses,type:jsonb,notnull"`
	UpdatedAt   time.Time               `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newResultRow(r domain.QuizResult) *resultRow {
	return &resultRow{
		QuizID:      r.QuizID,
		StudentID:   r.StudentID,
		Score:       r.Score,
		TotalScore:  r.TotalScore,
		Final:       r.Final,
		StartTime:   r.StartTime,
		SubmittedAt: r.SubmittedAt,
		Responses:   r.Responses,
	}
}

func (r *resultRow) result() domain.QuizResult {
	return domain.QuizResult{
		QuizID:      r.QuizID,
		StudentID:   r.StudentID,
		Score:       r.Score,
		TotalScore:  r.TotalScore,
		Final:       r.Final,
		StartTime:   r.StartTime,
		SubmittedAt: r.SubmittedAt,
		Responses:   r.Responses,
	}
}

// ResultStore persists write-once results with bun.
type ResultStore struct {
	db *bun.DB
}

func NewResultStore(db *bun.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) Save(ctx context.Context, result domain.QuizResult) error {
	res, err := s.db.NewInsert().Model(newResultRow(result)).
		On("CONFLICT (quiz_id, student_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrResultExists
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, quizID, studentID string) (domain.QuizResult, error) {
	row, err := selectResult(ctx, s.db.NewSelect(), quizID, studentID)
	if err != nil {
		return domain.QuizResult{}, err
	}
	return row.result(), nil
}

// Update locks the row for the duration of fn.
func (s *ResultStore) Update(ctx context.Context, quizID, studentID string, fn func(*domain.QuizResult) error) (domain.QuizResult, error) {
	var updated domain.QuizResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row, err := selectResult(ctx, tx.NewSelect().For("UPDATE"), quizID, studentID)
		if err != nil {
			return err
		}
		result := row.result()
		if err := fn(&result); err != nil {
			return err
		}
		next := newResultRow(result)
		next.QuizID, next.StudentID = quizID, studentID
		next.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(next).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update result: %w", err)
		}
		updated = next.result()
		return nil
	})
	if err != nil {
		return domain.QuizResult{}, err
	}
	return updated, nil
}

// ListByQuiz returns results ordered by student id.
func (s *ResultStore) ListByQuiz(ctx context.Context, quizID string) ([]domain.QuizResult, error) {
	var rows []resultRow
	if err := s.db.NewSelect().Model(&rows).
		Where("quiz_id = ?", quizID).
		Order("student_id").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]domain.QuizResult, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].result())
	}
	return out, nil
}

func selectResult(ctx context.Context, q *bun.SelectQuery, quizID, studentID string) (*resultRow, error) {
	row := new(resultRow)
	err := q.Model(row).Where("quiz_id = ? AND student_id = ?", quizID, studentID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select result: %w", err)
	}
	return row, nil
}
