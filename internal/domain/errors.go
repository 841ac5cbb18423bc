package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuizNotFound indicates the quiz could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrNotYetAccessible is returned when instructions are requested too early.
	ErrNotYetAccessible = errors.New("quiz not yet accessible")
	// ErrQuestionNotFound indicates a submitted question ID is not part of the quiz.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrAttemptNotFound is returned when a student acts before entering the quiz.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptClosed is returned for submissions past the attempt deadline or already submitted.
	ErrAttemptClosed = errors.New("attempt closed")
	// ErrResultNotFound is returned when no result exists for a (quiz, student) pair.
	ErrResultNotFound = errors.New("result not found")
	// ErrResultExists enforces write-once results.
	ErrResultExists = errors.New("result already recorded")
	// ErrAlreadyGraded is returned when an external grade targets a final response.
	ErrAlreadyGraded = errors.New("response already graded")
	// ErrResultUnavailable is returned when a student asks for an unpublished or open result.
	ErrResultUnavailable = errors.New("result not available")
	// ErrNotEligible is returned when entry is refused; the eligibility carries the reasons.
	ErrNotEligible = errors.New("not eligible to enter quiz")
	// ErrUnauthenticated is returned when an operation requires an identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the identity lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrZeroTotal is returned when normalizing a result whose total marks are zero. It is a
	// data-integrity fault.
	ErrZeroTotal = fmt.Errorf("%w: total score is zero", ErrDataIntegrity)
	// ErrDataIntegrity is the umbrella every data-integrity fault matches with errors.Is.
	ErrDataIntegrity = errors.New("data integrity error")
)

// WindowError reports a quiz whose time window is malformed.
type WindowError struct {
	QuizID string
	Start  time.Time
	End    time.Time
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("quiz %s: end time %s is not after start time %s",
		e.QuizID, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

func (e *WindowError) Is(target error) bool { return target == ErrDataIntegrity }

// LabRangeError reports a lab whose network range cannot be parsed, or a lab assigned twice.
type LabRangeError struct {
	QuizID string
	LabID  string
	Range  string
	Reason string
}

func (e *LabRangeError) Error() string {
	if e.Range == "" {
		return fmt.Sprintf("quiz %s lab %s: %s", e.QuizID, e.LabID, e.Reason)
	}
	return fmt.Sprintf("quiz %s lab %s: range %q: %s", e.QuizID, e.LabID, e.Range, e.Reason)
}

func (e *LabRangeError) Is(target error) bool { return target == ErrDataIntegrity }

// GradingDataError reports a question whose answer key is missing or malformed.
type GradingDataError struct {
	QuestionID string
	Type       QuestionType
	Reason     string
}

func (e *GradingDataError) Error() string {
	return fmt.Sprintf("question %s (%s): %s", e.QuestionID, e.Type, e.Reason)
}

func (e *GradingDataError) Is(target error) bool { return target == ErrDataIntegrity }
