// Package poller re-checks quiz eligibility on a schedule that tightens as the
// instructions-open and start boundaries approach, so a waiting student is unblocked
// without refreshing.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"quiz-access-service/internal/access"
	"quiz-access-service/internal/metrics"
)

// Fetcher re-fetches eligibility. Implementations must be idempotent.
type Fetcher interface {
	Fetch(ctx context.Context) (access.Eligibility, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) (access.Eligibility, error)

func (f FetchFunc) Fetch(ctx context.Context) (access.Eligibility, error) { return f(ctx) }

// ErrRetriesExhausted wraps the last fetch error once MaxFailures consecutive fetches failed.
var ErrRetriesExhausted = errors.New("eligibility refetch retries exhausted")

type Option func(*Poller)

// WithOnChange registers fn to run once per observed change. fn runs on the poller's
// goroutine while the poller is locked and must not call back into the Poller.
func WithOnChange(fn func(access.Eligibility)) Option {
	return func(p *Poller) { p.onChange = fn }
}

// WithOnError registers fn to run when transient failures exhaust the retry bound.
func WithOnError(fn func(error)) Option {
	return func(p *Poller) { p.onError = fn }
}

func WithLogger(l *zap.Logger) Option { return func(p *Poller) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// Poller owns at most one watch loop. Watch replaces the running loop; Stop tears it
// down and waits for it, so no timer outlives the owning view.
type Poller struct {
	clock    clockwork.Clock
	fetcher  Fetcher
	policy   Policy
	log      *zap.Logger
	metrics  *metrics.Metrics
	onChange func(access.Eligibility)
	onError  func(error)

	watchMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	start      time.Time
	issued     uint64
	applied    uint64
	current    access.Eligibility
	hasCurrent bool
	failures   int
	escalated  bool
}

func New(clock clockwork.Clock, fetcher Fetcher, policy Policy, opts ...Option) *Poller {
	p := &Poller{
		clock:   clock,
		fetcher: fetcher,
		policy:  policy.withDefaults(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Watch cancels any running watch and starts a new one for a quiz starting at start.
// The start time is refreshed from every applied eligibility.
func (p *Poller) Watch(parent context.Context, start time.Time) {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	p.stopLocked()

	p.mu.Lock()
	p.start = start
	p.failures = 0
	p.escalated = false
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		p.run(ctx)
	}()
}

// Stop cancels the running watch, if any, and waits for its loop to exit.
func (p *Poller) Stop() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel, p.done = nil, nil
}

// Done is closed when the current watch loop exits; nil when nothing is watched.
func (p *Poller) Done() <-chan struct{} {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	return p.done
}

// Current returns the most recently applied eligibility.
func (p *Poller) Current() (access.Eligibility, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.hasCurrent
}

// Refresh fetches eligibility now, outside the schedule. A response is applied only
// if no request issued after it has already been applied.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	elig, err := p.fetcher.Fetch(ctx)
	if ctx.Err() != nil {
		p.metrics.ObservePoll("canceled")
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.metrics.ObservePoll("error")
		p.failures++
		p.log.Warn("eligibility refetch failed", zap.Int("failures", p.failures), zap.Error(err))
		if p.failures >= p.policy.MaxFailures && !p.escalated {
			p.escalated = true
			exhausted := errors.Join(ErrRetriesExhausted, err)
			p.log.Error("eligibility refetch retries exhausted", zap.Error(err))
			if p.onError != nil {
				p.onError(exhausted)
			}
		}
		return err
	}
	p.failures = 0
	p.escalated = false

	if seq <= p.applied {
		p.metrics.ObservePoll("stale")
		p.log.Debug("discarding stale eligibility", zap.Uint64("seq", seq), zap.Uint64("applied", p.applied))
		return nil
	}
	if !elig.CanEnter && len(elig.Reasons) == 0 {
		p.metrics.ObservePoll("invalid")
		p.log.Warn("discarding eligibility refusal without reasons", zap.String("quiz", elig.QuizID))
		return nil
	}
	p.metrics.ObservePoll("ok")
	p.applied = seq
	if !elig.StartTime.IsZero() {
		p.start = elig.StartTime
	}
	changed := !p.hasCurrent || !sameOutcome(p.current, elig)
	p.current, p.hasCurrent = elig, true
	if changed {
		p.log.Debug("eligibility changed",
			zap.String("quiz", elig.QuizID),
			zap.String("state", string(elig.State)),
			zap.Bool("canEnter", elig.CanEnter))
		if p.onChange != nil {
			p.onChange(elig)
		}
	}
	return nil
}

func (p *Poller) run(ctx context.Context) {
	// pollNext is set when the previous wake polled inside a window or failed, so the
	// wake that crosses a boundary, or retries, still fetches.
	pollNext := false
	for {
		now := p.clock.Now()
		p.mu.Lock()
		start := p.start
		p.mu.Unlock()

		inWindow, next, done := p.policy.Plan(now, start)
		failed := false
		if inWindow || pollNext {
			if err := p.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				failed = true
			}
		}

		retry := failed && !p.exhausted()
		pollNext = inWindow || retry
		if retry {
			if at := now.Add(p.policy.Interval); done || at.Before(next) {
				next = at
			}
			done = false
		}
		if done {
			return
		}

		wait := next.Sub(p.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := p.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (p *Poller) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.escalated
}

func sameOutcome(a, b access.Eligibility) bool {
	if a.QuizID != b.QuizID || a.State != b.State || a.CanEnter != b.CanEnter ||
		a.CanViewResult != b.CanViewResult || !a.StartTime.Equal(b.StartTime) ||
		len(a.Reasons) != len(b.Reasons) {
		return false
	}
	for i := range a.Reasons {
		if a.Reasons[i].Code != b.Reasons[i].Code {
			return false
		}
	}
	return true
}
