// Package access derives a quiz's lifecycle state and decides whether a student may
// enter it. Every decision is a pure function of its inputs.
package access

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"quiz-access-service/internal/domain"
	"quiz-access-service/internal/geofence"
)

// DefaultInstructionsLead is how long before start the instructions become readable.
const DefaultInstructionsLead = 5 * time.Minute

// ReasonCode identifies a failed gate.
type ReasonCode string

const (
	ReasonUnauthenticated   ReasonCode = "unauthenticated"
	ReasonNotStarted        ReasonCode = "not_started"
	ReasonNotActivated      ReasonCode = "not_activated"
	ReasonClosed            ReasonCode = "closed"
	ReasonOutsideLab        ReasonCode = "outside_lab"
	ReasonPasswordRequired  ReasonCode = "password_required"
	ReasonPasswordIncorrect ReasonCode = "password_incorrect"
	ReasonAttemptSubmitted  ReasonCode = "attempt_submitted"
	ReasonAttemptExpired    ReasonCode = "attempt_expired"
)

// Reason is a student-safe explanation for ineligibility.
type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// Request is everything known about the requester at evaluation time.
type Request struct {
	Authenticated bool
	StudentID     string
	Origin        string
	Secret        string
	// Attempt is the student's existing attempt, if any.
	Attempt *domain.Attempt
}

// Eligibility is the outcome of one evaluation.
type Eligibility struct {
	QuizID        string                `json:"quizId"`
	State         domain.LifecycleState `json:"state"`
	CanEnter      bool                  `json:"canEnter"`
	CanViewResult bool                  `json:"canViewResult"`
	Reasons       []Reason              `json:"reasons"`
	StartTime     time.Time             `json:"startTime"`
	EndTime       time.Time             `json:"endTime"`
	EvaluatedAt   time.Time             `json:"evaluatedAt"`
}

// HasReason reports whether code is among the reasons.
func (e Eligibility) HasReason(code ReasonCode) bool {
	for _, r := range e.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

// Evaluate derives the lifecycle state of quiz at now and whether the requester may
// enter. Ineligibility is a normal result; an error means the definition is malformed.
func Evaluate(quiz domain.Quiz, now time.Time, req Request) (Eligibility, error) {
	if err := Validate(quiz); err != nil {
		return Eligibility{}, err
	}

	state := State(quiz, now)
	out := Eligibility{
		QuizID:        quiz.ID,
		State:         state,
		CanViewResult: state == domain.StateCompleted && quiz.PublishResult,
		Reasons:       []Reason{},
		StartTime:     quiz.StartTime,
		EndTime:       quiz.EndTime,
		EvaluatedAt:   now,
	}

	if !req.Authenticated {
		out.CanViewResult = false
		out.Reasons = append(out.Reasons, Reason{ReasonUnauthenticated, "sign in to access this quiz"})
		return out, nil
	}

	switch state {
	case domain.StateUpcoming:
		if !now.Before(quiz.StartTime) {
			out.Reasons = append(out.Reasons, Reason{ReasonNotActivated, "quiz has not been activated yet"})
		} else {
			out.Reasons = append(out.Reasons, Reason{ReasonNotStarted, "quiz has not started yet"})
		}
		return out, nil
	case domain.StateCompleted:
		out.Reasons = append(out.Reasons, Reason{ReasonClosed, "quiz is closed"})
		return out, nil
	}

	if !geofence.IsInAssignedSubnet(quiz.Labs, req.Origin) {
		out.Reasons = append(out.Reasons, Reason{ReasonOutsideLab, "connect from an assigned lab: " + labLabels(quiz.Labs)})
	}
	if quiz.Protected {
		switch {
		case req.Secret == "":
			out.Reasons = append(out.Reasons, Reason{ReasonPasswordRequired, "password required"})
		case !secretMatches(quiz.Secret, req.Secret):
			out.Reasons = append(out.Reasons, Reason{ReasonPasswordIncorrect, "incorrect password"})
		}
	}
	if a := req.Attempt; a != nil {
		switch {
		case a.SubmittedAt != nil:
			out.Reasons = append(out.Reasons, Reason{ReasonAttemptSubmitted, "attempt already submitted"})
		case !now.Before(a.Deadline(quiz)):
			out.Reasons = append(out.Reasons, Reason{ReasonAttemptExpired, "attempt time expired"})
		}
	}

	out.CanEnter = len(out.Reasons) == 0
	return out, nil
}

// State derives the quiz-wide lifecycle state. The administrative status only ever
// moves a quiz towards COMPLETED; it cannot reopen a window that has passed.
func State(quiz domain.Quiz, now time.Time) domain.LifecycleState {
	switch {
	case quiz.Status == domain.StatusCompleted, !now.Before(quiz.EndTime):
		return domain.StateCompleted
	case now.Before(quiz.StartTime), quiz.Status != domain.StatusActive:
		return domain.StateUpcoming
	default:
		return domain.StateLive
	}
}

// StudentState is State as seen in one student's quiz list: a completed quiz with no
// result record is MISSED, including one the student entered but never submitted.
func StudentState(quiz domain.Quiz, now time.Time, hasResult bool) domain.LifecycleState {
	state := State(quiz, now)
	if state == domain.StateCompleted && !hasResult {
		return domain.StateMissed
	}
	return state
}

// InstructionsOpen reports whether quiz instructions may be served at now. Requests
// more than lead before start are refused.
func InstructionsOpen(quiz domain.Quiz, now time.Time, lead time.Duration) bool {
	return !now.Before(quiz.StartTime.Add(-lead))
}

// Validate checks the invariants the engine depends on.
func Validate(quiz domain.Quiz) error {
	if !quiz.EndTime.After(quiz.StartTime) {
		return &domain.WindowError{QuizID: quiz.ID, Start: quiz.StartTime, End: quiz.EndTime}
	}
	seen := make(map[string]struct{}, len(quiz.Labs))
	for _, lab := range quiz.Labs {
		if _, dup := seen[lab.ID]; dup {
			return &domain.LabRangeError{QuizID: quiz.ID, LabID: lab.ID, Reason: "lab assigned more than once"}
		}
		seen[lab.ID] = struct{}{}
		if len(lab.Ranges) == 0 {
			return &domain.LabRangeError{QuizID: quiz.ID, LabID: lab.ID, Reason: "lab has no network ranges"}
		}
		for _, raw := range lab.Ranges {
			if err := geofence.ValidateRange(raw); err != nil {
				return &domain.LabRangeError{QuizID: quiz.ID, LabID: lab.ID, Range: raw, Reason: err.Error()}
			}
		}
	}
	return nil
}

func labLabels(labs []domain.Lab) string {
	labels := make([]string, 0, len(labs))
	for _, lab := range labs {
		label := lab.Name
		if lab.Block != "" {
			label += " (" + lab.Block + ")"
		}
		labels = append(labels, label)
	}
	return strings.Join(labels, ", ")
}

// secretMatches accepts bcrypt hashes as well as plain stored secrets. Plain secrets are
// compared through fixed-length digests so timing reveals neither content nor length.
func secretMatches(stored, supplied string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(supplied))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
