package poller

import (
	"sort"
	"time"

	"quiz-access-service/internal/access"
)

// Policy is the polling schedule around a quiz start.
type Policy struct {
	// Interval between polls inside a watch window.
	Interval time.Duration
	// InstructionsLead is how long before start the instructions open.
	InstructionsLead time.Duration
	// AccessWindow is how long before the instructions boundary polling begins.
	AccessWindow time.Duration
	// StartWindow is how long before start polling begins.
	StartWindow time.Duration
	// MaxFailures is the number of consecutive failed fetches tolerated before escalating.
	MaxFailures int
}

func DefaultPolicy() Policy {
	return Policy{
		Interval:         5 * time.Second,
		InstructionsLead: access.DefaultInstructionsLead,
		AccessWindow:     2 * time.Minute,
		StartWindow:      time.Minute,
		MaxFailures:      6,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.InstructionsLead <= 0 {
		p.InstructionsLead = def.InstructionsLead
	}
	if p.AccessWindow <= 0 {
		p.AccessWindow = def.AccessWindow
	}
	if p.StartWindow <= 0 {
		p.StartWindow = def.StartWindow
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = def.MaxFailures
	}
	return p
}

type window struct {
	from, to time.Time
}

func (p Policy) windows(start time.Time) []window {
	opens := start.Add(-p.InstructionsLead)
	ws := []window{
		{from: opens.Add(-p.AccessWindow), to: opens},
		{from: start.Add(-p.StartWindow), to: start},
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].from.Before(ws[j].from) })
	return ws
}

// Plan classifies now against the watch windows of a quiz starting at start.
// Inside a window it asks for a poll and the next tick, clamped to the window's end so
// the crossing itself is observed. Outside, next is the start of the following window.
// done is set once now has reached start.
func (p Policy) Plan(now, start time.Time) (inWindow bool, next time.Time, done bool) {
	p = p.withDefaults()
	if !now.Before(start) {
		return false, time.Time{}, true
	}
	ws := p.windows(start)
	for _, w := range ws {
		if !now.Before(w.from) && now.Before(w.to) {
			next = now.Add(p.Interval)
			if w.to.Before(next) {
				next = w.to
			}
			return true, next, false
		}
	}
	for _, w := range ws {
		if now.Before(w.from) {
			return false, w.from, false
		}
	}
	return false, start, false
}

// NextWake is how long a view with no open window can stay idle before polling.
func (p Policy) NextWake(now, start time.Time) (time.Duration, bool) {
	inWindow, next, done := p.Plan(now, start)
	if done {
		return 0, false
	}
	if inWindow {
		return 0, true
	}
	return next.Sub(now), true
}
