package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"quiz-access-service/internal/domain"
)

// QuizLoader fetches quiz definitions from a backing store (e.g., Postgres JSONB).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	ListQuizzes(ctx context.Context) ([]domain.Quiz, error)
}

// QuizRepository caches quizzes with TTL to avoid repeated DB hits.
type QuizRepository struct {
	loader QuizLoader
	ttl    time.Duration
	clock  clockwork.Clock
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return NewQuizRepositoryWithClock(loader, ttl, clockwork.NewRealClock())
}

// NewQuizRepositoryWithClock is used by tests to drive expiry.
func NewQuizRepositoryWithClock(loader QuizLoader, ttl time.Duration, clock clockwork.Clock) *QuizRepository {
	return &QuizRepository{
		loader: loader,
		ttl:    ttl,
		clock:  clock,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuiz),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.cached(quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		if quiz, ok := r.cached(quizID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		r.store(quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// ListQuizzes always reads through to the loader so new quizzes show up, and refreshes
// the per-quiz cache on the way.
func (r *QuizRepository) ListQuizzes(ctx context.Context) ([]domain.Quiz, error) {
	result, err, _ := r.sf.Do("\x00list", func() (interface{}, error) {
		quizzes, err := r.loader.ListQuizzes(ctx)
		if err != nil {
			return nil, err
		}
		for _, quiz := range quizzes {
			r.store(quiz)
		}
		return quizzes, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Quiz), nil
}

func (r *QuizRepository) cached(quizID string) (domain.Quiz, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.cache[quizID]; ok && entry.expiresAt.After(r.clock.Now()) {
		return entry.quiz, true
	}
	return domain.Quiz{}, false
}

func (r *QuizRepository) store(quiz domain.Quiz) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[quiz.ID] = cachedQuiz{
		quiz:      quiz,
		expiresAt: r.clock.Now().Add(r.ttlWithJitter()),
	}
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticQuizLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

// ListQuizzes returns every quiz ordered by start time.
func (l *StaticQuizLoader) ListQuizzes(context.Context) ([]domain.Quiz, error) {
	out := make([]domain.Quiz, 0, len(l.quizzes))
	for _, quiz := range l.quizzes {
		out = append(out, quiz)
	}
	sortByStart(out)
	return out, nil
}

func sortByStart(quizzes []domain.Quiz) {
	sort.Slice(quizzes, func(i, j int) bool {
		if !quizzes[i].StartTime.Equal(quizzes[j].StartTime) {
			return quizzes[i].StartTime.Before(quizzes[j].StartTime)
		}
		return quizzes[i].ID < quizzes[j].ID
	})
}
