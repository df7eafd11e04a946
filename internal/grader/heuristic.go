package grader

import (
	"context"
	"regexp"
	"strings"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

var (
	goodPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\s*(func|def)\s+\w+\(`),
		regexp.MustCompile(`//.+|#.+`),
	}
	badPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\beval\(`),
		regexp.MustCompile(`\bexec\(`),
		regexp.MustCompile(`\bgoto\b`),
	}
)

// Heuristic scores submissions with the same regex-driven pattern checks
// the original grader fell back to when no AI backend was configured:
// readability/style/innovation come from pattern density rather than a
// model call, keeping the core dependency-free on any external grading
// service.
type Heuristic struct {
	Weights model.ScoreWeights
}

func NewHeuristic(weights model.ScoreWeights) Heuristic {
	return Heuristic{Weights: weights}
}

func (h Heuristic) Grade(ctx context.Context, problem model.Problem, submission model.Submission, tests TestOutcome) (model.GradeReport, error) {
	if err := ctx.Err(); err != nil {
		return model.GradeReport{}, err
	}

	correctness := correctnessFromTests(tests, h.Weights.Correctness)
	quality := analyzeQuality(submission.Code)

	efficiency := round1(quality.efficiencyPct * h.Weights.Efficiency)
	readability := round1(quality.readabilityPct * h.Weights.Readability)
	style := round1(quality.stylePct * h.Weights.Style)
	innovation := round1(quality.innovationPct * h.Weights.Innovation)

	total := clampTotal(correctness + efficiency + readability + style + innovation)

	return model.GradeReport{
		SubmissionID: submission.SubmissionID,
		ScoreTotal:   total,
		Criteria: model.GradingCriteria{
			Correctness: correctness,
			Efficiency:  efficiency,
			Readability: readability,
			Style:       style,
			Innovation:  innovation,
		},
		Feedback: feedbackFor(total),
		Verdict:  model.VerdictOK,
	}, nil
}

type qualitySignal struct {
	efficiencyPct  float64
	readabilityPct float64
	stylePct       float64
	innovationPct  float64
}

func analyzeQuality(code string) qualitySignal {
	goodHits := countMatches(code, goodPatterns)
	badHits := countMatches(code, badPatterns)
	lines := strings.Count(code, "\n") + 1

	readability := 0.70 + 0.05*float64(goodHits) - 0.10*float64(badHits)
	style := 0.70 + 0.05*float64(goodHits) - 0.15*float64(badHits)
	efficiency := 0.70
	if lines > 0 && lines < 20 {
		efficiency += 0.10
	}
	innovation := 0.50 + 0.05*float64(goodHits)

	return qualitySignal{
		efficiencyPct:  clampPct(efficiency),
		readabilityPct: clampPct(readability),
		stylePct:       clampPct(style),
		innovationPct:  clampPct(innovation),
	}
}

func countMatches(code string, patterns []*regexp.Regexp) int {
	count := 0
	for _, p := range patterns {
		count += len(p.FindAllString(code, -1))
	}
	return count
}

func clampPct(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func feedbackFor(total float64) string {
	switch {
	case total >= 90:
		return "Excellent solution across correctness, efficiency and style."
	case total >= 75:
		return "Solid solution with minor room for improvement."
	case total >= 50:
		return "Solution works but has notable gaps in quality or correctness."
	default:
		return "Solution has significant correctness or quality issues."
	}
}
