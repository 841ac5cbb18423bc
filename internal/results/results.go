// Package results sums graded responses into quiz results and derives the
// percentages, bands and distributions shown to students and staff.
package results

import (
	"fmt"
	"math"
	"sort"

	"quiz-access-service/internal/domain"
)

// Aggregate sums graded responses into a result. The result is final only when every
// question of the quiz has a graded response that is not awaiting an external grade.
func Aggregate(quiz domain.Quiz, graded []domain.GradedResponse) (domain.QuizResult, error) {
	result := domain.QuizResult{
		QuizID:     quiz.ID,
		TotalScore: quiz.TotalMarks(),
		Responses:  graded,
	}

	seen := make(map[string]struct{}, len(graded))
	pending := false
	score := 0.0
	for _, g := range graded {
		if _, ok := quiz.Question(g.QuestionID); !ok {
			return domain.QuizResult{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, g.QuestionID)
		}
		if _, dup := seen[g.QuestionID]; dup {
			return domain.QuizResult{}, fmt.Errorf("duplicate graded response for question %s", g.QuestionID)
		}
		seen[g.QuestionID] = struct{}{}
		if g.Status == domain.GradePending {
			pending = true
		}
		score += g.Score - g.NegativeScore
	}

	if !quiz.Scoring.AllowNegativeTotal {
		score = math.Max(score, quiz.Scoring.Floor)
	}
	result.Score = score
	result.Final = !pending && len(seen) == len(quiz.Questions)
	return result, nil
}

// Normalize converts a result into a percentage of its total marks.
func Normalize(result domain.QuizResult) (float64, error) {
	return percentage(result.Score, result.TotalScore)
}

func percentage(score, total float64) (float64, error) {
	if total == 0 {
		return 0, domain.ErrZeroTotal
	}
	return score / total * 100, nil
}

// Entry is one quiz as it appears in a student's dashboard.
type Entry struct {
	Quiz  domain.Quiz
	State domain.LifecycleState
	// Result is nil when the student has no recorded result.
	Result *domain.QuizResult
}

// Line is the dashboard row for one quiz.
type Line struct {
	QuizID     string                `json:"quizId"`
	Title      string                `json:"title"`
	State      domain.LifecycleState `json:"state"`
	Counted    bool                  `json:"counted"`
	Score      float64               `json:"score,omitempty"`
	TotalScore float64               `json:"totalScore,omitempty"`
	Percentage float64               `json:"percentage,omitempty"`
	Band       Band                  `json:"band,omitempty"`
}

// Summary aggregates a student's performance across quizzes.
type Summary struct {
	Counted        int     `json:"counted"`
	Missed         int     `json:"missed"`
	Score          float64 `json:"score"`
	TotalScore     float64 `json:"totalScore"`
	Percentage     float64 `json:"percentage"`
	MeanPercentage float64 `json:"meanPercentage"`
	Band           Band    `json:"band,omitempty"`
	Lines          []Line  `json:"lines"`
}

// Summarize applies the cross-quiz rules: a missed quiz counts as zero over its own
// total, a completed quiz counts only when its result is published and final, and
// anything else is excluded from both numerator and denominator.
func (b Bands) Summarize(entries []Entry) (Summary, error) {
	summary := Summary{Lines: make([]Line, 0, len(entries))}
	sumPct := 0.0
	for _, e := range entries {
		line := Line{QuizID: e.Quiz.ID, Title: e.Quiz.Title, State: e.State}
		switch {
		case e.State == domain.StateMissed:
			line.Counted = true
			line.TotalScore = e.Quiz.TotalMarks()
			summary.Missed++
		case e.State == domain.StateCompleted && e.Quiz.PublishResult && e.Result != nil && e.Result.Final:
			line.Counted = true
			line.Score = e.Result.Score
			line.TotalScore = e.Result.TotalScore
		}
		if line.Counted {
			pct, err := percentage(line.Score, line.TotalScore)
			if err != nil {
				return Summary{}, fmt.Errorf("quiz %s: %w", e.Quiz.ID, err)
			}
			line.Percentage = pct
			line.Band = b.Classify(pct)
			summary.Counted++
			summary.Score += line.Score
			summary.TotalScore += line.TotalScore
			sumPct += pct
		}
		summary.Lines = append(summary.Lines, line)
	}
	if summary.Counted > 0 {
		summary.Percentage = summary.Score / summary.TotalScore * 100
		summary.MeanPercentage = sumPct / float64(summary.Counted)
		summary.Band = b.Classify(summary.Percentage)
	}
	return summary, nil
}

// Stats is the staff-facing distribution of one quiz's results.
type Stats struct {
	QuizID  string       `json:"quizId"`
	Count   int          `json:"count"`
	Pending int          `json:"pending"`
	Mean    float64      `json:"mean"`
	Median  float64      `json:"median"`
	Min     float64      `json:"min"`
	Max     float64      `json:"max"`
	Bands   map[Band]int `json:"bands"`
}

// QuizStats computes the percentage distribution over final results. Results still
// awaiting grades are counted as pending and left out of the distribution.
func (b Bands) QuizStats(quiz domain.Quiz, all []domain.QuizResult) (Stats, error) {
	stats := Stats{QuizID: quiz.ID, Bands: make(map[Band]int, len(b))}
	pcts := make([]float64, 0, len(all))
	for _, r := range all {
		if !r.Final {
			stats.Pending++
			continue
		}
		pct, err := Normalize(r)
		if err != nil {
			return Stats{}, fmt.Errorf("quiz %s student %s: %w", quiz.ID, r.StudentID, err)
		}
		pcts = append(pcts, pct)
		stats.Bands[b.Classify(pct)]++
	}
	if len(pcts) == 0 {
		return stats, nil
	}
	sort.Float64s(pcts)
	sum := 0.0
	for _, p := range pcts {
		sum += p
	}
	stats.Count = len(pcts)
	stats.Mean = sum / float64(len(pcts))
	stats.Min = pcts[0]
	stats.Max = pcts[len(pcts)-1]
	if mid := len(pcts) / 2; len(pcts)%2 == 1 {
		stats.Median = pcts[mid]
	} else {
		stats.Median = (pcts[mid-1] + pcts[mid]) / 2
	}
	return stats, nil
}
