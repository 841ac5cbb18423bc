// Package grading turns raw question responses into scores. Objective questions are
// graded here; subjective ones wait for an external grade that is only bounds-checked.
package grading

import (
	"errors"
	"fmt"
	"strings"

	"quiz-access-service/internal/domain"
)

const (
	RemarkNotAttempted = "not attempted"
	RemarkAwaiting     = "awaiting grading"
)

// Grade scores one response under the quiz's scoring policy. A response for a question
// with a missing or malformed answer key fails with a *domain.GradingDataError. Under
// negative marking a wrong objective answer costs the question's NegativeMark, so a
// question without one costs nothing.
func Grade(policy domain.ScoringPolicy, question domain.Question, response domain.QuestionResponse) (domain.GradedResponse, error) {
	response.QuestionID = question.ID
	response.Type = question.Type
	graded := domain.GradedResponse{QuestionResponse: response, Status: domain.GradeAuto}

	if err := checkKey(question); err != nil {
		return graded, err
	}
	if !response.Attempted() {
		graded.Remarks = RemarkNotAttempted
		return graded, nil
	}

	switch question.Type {
	case domain.TypeMCQ, domain.TypeTrueFalse:
		graded.Correct = sameSet(question.CorrectOptions, response.Values)
		if graded.Correct {
			graded.Score = question.Mark
		} else if policy.NegativeMarking && question.NegativeMark > 0 {
			graded.NegativeScore = question.NegativeMark
		}
	case domain.TypeFillInBlank:
		graded.Correct = normalizeText(submittedText(response), question.CaseSensitive) ==
			normalizeText(*question.ExpectedAnswer, question.CaseSensitive)
		if graded.Correct {
			graded.Score = question.Mark
		}
	default:
		graded.Status = domain.GradePending
		graded.Remarks = RemarkAwaiting
	}
	return graded, nil
}

// External is a grade produced outside this package, by staff or an automated pipeline.
type External struct {
	Score   float64
	Remarks string
}

// ApplyExternal merges an external grade into a pending response. Scores outside
// [0, mark] are clamped and the response is flagged.
func ApplyExternal(question domain.Question, graded domain.GradedResponse, ext External) (domain.GradedResponse, error) {
	if graded.Status != domain.GradePending {
		return graded, domain.ErrAlreadyGraded
	}
	score := ext.Score
	remarks := strings.TrimSpace(ext.Remarks)
	switch {
	case score < 0:
		graded.Flagged = true
		remarks = joinRemarks(remarks, "score below zero clamped to 0")
		score = 0
	case score > question.Mark:
		graded.Flagged = true
		remarks = joinRemarks(remarks, fmt.Sprintf("score above mark clamped to %g", question.Mark))
		score = question.Mark
	}
	graded.Score = score
	graded.NegativeScore = 0
	graded.Correct = score == question.Mark && question.Mark > 0
	graded.Status = domain.GradeManual
	graded.Remarks = remarks
	return graded, nil
}

// GradeAll grades every question of quiz. Questions without a response grade as not
// attempted. Every data error is reported, joined, so staff can fix them in one pass.
func GradeAll(quiz domain.Quiz, responses []domain.QuestionResponse) ([]domain.GradedResponse, error) {
	byID := make(map[string]domain.QuestionResponse, len(responses))
	for _, r := range responses {
		if _, ok := quiz.Question(r.QuestionID); !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, r.QuestionID)
		}
		if _, dup := byID[r.QuestionID]; dup {
			return nil, fmt.Errorf("duplicate response for question %s", r.QuestionID)
		}
		byID[r.QuestionID] = r
	}

	out := make([]domain.GradedResponse, 0, len(quiz.Questions))
	var errs []error
	for _, q := range quiz.Questions {
		graded, err := Grade(quiz.Scoring, q, byID[q.ID])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, graded)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func checkKey(q domain.Question) error {
	fail := func(reason string) error {
		return &domain.GradingDataError{QuestionID: q.ID, Type: q.Type, Reason: reason}
	}
	if q.Mark < 0 {
		return fail("negative mark")
	}
	switch q.Type {
	case domain.TypeMCQ, domain.TypeTrueFalse:
		if len(q.CorrectOptions) == 0 {
			return fail("no correct options")
		}
		if q.Type == domain.TypeTrueFalse && len(q.CorrectOptions) != 1 {
			return fail("true/false needs exactly one correct option")
		}
		if len(q.Options) > 0 {
			known := make(map[string]struct{}, len(q.Options))
			for _, o := range q.Options {
				known[o.ID] = struct{}{}
			}
			for _, id := range q.CorrectOptions {
				if _, ok := known[id]; !ok {
					return fail(fmt.Sprintf("correct option %q is not an option", id))
				}
			}
		}
	case domain.TypeFillInBlank:
		if q.ExpectedAnswer == nil || strings.TrimSpace(*q.ExpectedAnswer) == "" {
			return fail("no expected answer")
		}
	case domain.TypeDescriptive, domain.TypeCoding, domain.TypeFileUpload:
	default:
		return fail("unknown question type")
	}
	return nil
}

func sameSet(want, got []string) bool {
	a, b := toSet(want), toSet(got)
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func submittedText(r domain.QuestionResponse) string {
	if strings.TrimSpace(r.Text) != "" {
		return r.Text
	}
	for _, v := range r.Values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// normalizeText trims and collapses inner whitespace; case folds unless caseSensitive.
func normalizeText(s string, caseSensitive bool) string {
	s = strings.Join(strings.Fields(s), " ")
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func joinRemarks(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
