package http

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const limiterIdle = 15 * time.Minute

// entryLimiter throttles password guesses per (quiz, caller).
type entryLimiter struct {
	limit rate.Limit
	burst int
	clock clockwork.Clock

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	swept    time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// newEntryLimiter returns nil, which allows everything, when limit is zero.
func newEntryLimiter(limit rate.Limit, burst int, clock clockwork.Clock) *entryLimiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &entryLimiter{limit: limit, burst: burst, clock: clock, limiters: make(map[string]*limiterEntry)}
}

func (l *entryLimiter) allow(quizID, caller string) bool {
	if l == nil {
		return true
	}
	now := l.clock.Now()
	key := quizID + "|" + caller

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > limiterIdle {
		for k, e := range l.limiters {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	return e.limiter.AllowN(now, 1)
}
