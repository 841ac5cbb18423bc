package domain

import (
	"strings"
	"time"
)

// AdminStatus is the administratively set quiz status. It is independent of the
// wall clock and acts as an authorization gate.
type AdminStatus string

const (
	StatusUpcoming  AdminStatus = "UPCOMING"
	StatusActive    AdminStatus = "ACTIVE"
	StatusCompleted AdminStatus = "COMPLETED"
)

// LifecycleState is derived on every evaluation and never stored.
type LifecycleState string

const (
	StateUpcoming  LifecycleState = "UPCOMING"
	StateLive      LifecycleState = "LIVE"
	StateCompleted LifecycleState = "COMPLETED"
	// StateMissed only appears in a student's own quiz list.
	StateMissed LifecycleState = "MISSED"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	TypeMCQ         QuestionType = "MCQ"
	TypeTrueFalse   QuestionType = "TRUE_FALSE"
	TypeFillInBlank QuestionType = "FILL_IN_BLANK"
	TypeDescriptive QuestionType = "DESCRIPTIVE"
	TypeCoding      QuestionType = "CODING"
	TypeFileUpload  QuestionType = "FILE_UPLOAD"
)

// Objective reports whether questions of this type are graded automatically.
func (t QuestionType) Objective() bool {
	switch t {
	case TypeMCQ, TypeTrueFalse, TypeFillInBlank:
		return true
	}
	return false
}

// Lab is a physical lab with one or more network ranges. Lab names and blocks are
// public; ranges are not.
type Lab struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Block  string   `json:"block"`
	Ranges []string `json:"ranges"` // CIDR, single address, or "first-last"
}

// ScoringPolicy controls negative marking and the floor applied to totals.
type ScoringPolicy struct {
	NegativeMarking    bool    `json:"negativeMarking"`
	AllowNegativeTotal bool    `json:"allowNegativeTotal"`
	Floor              float64 `json:"floor"`
}

// Option is a selectable answer for MCQ and TRUE_FALSE questions.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question models a single quiz question and its answer key.
type Question struct {
	ID             string       `json:"id"`
	Type           QuestionType `json:"type"`
	Prompt         string       `json:"prompt"`
	Mark           float64      `json:"mark"`
	Options        []Option     `json:"options,omitempty"`
	CorrectOptions []string     `json:"correctOptions,omitempty"`
	ExpectedAnswer *string      `json:"expectedAnswer,omitempty"`
	CaseSensitive  bool         `json:"caseSensitive,omitempty"`
	// NegativeMark is deducted for a wrong MCQ or TRUE_FALSE answer when the quiz enables
	// negative marking. It defaults to zero, which deducts nothing.
	NegativeMark float64 `json:"negativeMark,omitempty"`
}

// Quiz is the quiz definition. It is read-only to the access and scoring core.
type Quiz struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	DurationSeconds int64         `json:"durationSeconds"`
	Status          AdminStatus   `json:"status"`
	Protected       bool          `json:"protected"`
	Secret          string        `json:"secret,omitempty"`
	Labs            []Lab         `json:"labs,omitempty"`
	PublishResult   bool          `json:"publishResult"`
	AutoSubmit      bool          `json:"autoSubmit"`
	Scoring         ScoringPolicy `json:"scoring"`
	Questions       []Question    `json:"questions"`
}

// Duration is the per-attempt time limit; zero means the window end is the only limit.
func (q Quiz) Duration() time.Duration {
	return time.Duration(q.DurationSeconds) * time.Second
}

// TotalMarks sums every question's mark.
func (q Quiz) TotalMarks() float64 {
	total := 0.0
	for _, question := range q.Questions {
		total += question.Mark
	}
	return total
}

// Question looks up a question by id.
func (q Quiz) Question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}

// Attempt is one student's instance of taking one quiz.
type Attempt struct {
	ID          string     `json:"id"`
	QuizID      string     `json:"quizId"`
	StudentID   string     `json:"studentId"`
	StartedAt   time.Time  `json:"startedAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
}

// Deadline is the instant after which the attempt may no longer continue.
func (a Attempt) Deadline(quiz Quiz) time.Time {
	deadline := quiz.EndTime
	if d := quiz.Duration(); d > 0 {
		if own := a.StartedAt.Add(d); own.Before(deadline) {
			deadline = own
		}
	}
	return deadline
}

// QuestionResponse is what a student submitted for one question.
type QuestionResponse struct {
	QuestionID string       `json:"questionId"`
	Type       QuestionType `json:"type"`
	Values     []string     `json:"values,omitempty"`
	Text       string       `json:"text,omitempty"`
}

// Attempted reports whether any non-empty value was submitted.
func (r QuestionResponse) Attempted() bool {
	if strings.TrimSpace(r.Text) != "" {
		return true
	}
	for _, v := range r.Values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// GradeStatus tracks where a graded response is in its lifecycle.
type GradeStatus string

const (
	GradeAuto    GradeStatus = "AUTO"
	GradePending GradeStatus = "PENDING"
	GradeManual  GradeStatus = "MANUAL"
)

// GradedResponse is a response plus its awarded score.
type GradedResponse struct {
	QuestionResponse
	Score         float64     `json:"score"`
	NegativeScore float64     `json:"negativeScore,omitempty"`
	Correct       bool        `json:"correct"`
	Status        GradeStatus `json:"status"`
	Flagged       bool        `json:"flagged,omitempty"`
	Remarks       string      `json:"remarks,omitempty"`
}

// QuizResult is the per (quiz, student) outcome.
type QuizResult struct {
	QuizID      string           `json:"quizId"`
	StudentID   string           `json:"studentId"`
	Score       float64          `json:"score"`
	TotalScore  float64          `json:"totalScore"`
	Final       bool             `json:"final"`
	StartTime   time.Time        `json:"startTime"`
	SubmittedAt time.Time        `json:"submittedAt"`
	Responses   []GradedResponse `json:"responses"`
}
