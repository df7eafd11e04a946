// Package grader scores a Submission against its Problem. The real
// implementation is a heuristic grader derived from the original system's
// AI grading pipeline; when it errors or times out, MatchRuntime substitutes
// a fallback GradeReport rather than stalling the round.
package grader

import (
	"context"
	"time"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// TestOutcome is the subset of an executed test run a Grader needs to score
// correctness: how many of the problem's test cases passed.
type TestOutcome struct {
	Passed int
	Total  int
}

// Grader scores one submission. Implementations must respect ctx's
// deadline; MatchRuntime bounds every call with GradingTimeBudget.
type Grader interface {
	Grade(ctx context.Context, problem model.Problem, submission model.Submission, tests TestOutcome) (model.GradeReport, error)
}

// FallbackReport builds the degraded GradeReport MatchRuntime substitutes
// when Grade returns an error or the context deadline elapses, using
// correctness computed from whatever test signal is available and
// mid-point defaults for the criteria that needed the grader itself.
func FallbackReport(submissionID string, tests TestOutcome, weights model.ScoreWeights, verdict model.Verdict) model.GradeReport {
	correctness := correctnessFromTests(tests, weights.Correctness)
	criteria := model.GradingCriteria{
		Correctness: correctness,
		Efficiency:  0.5 * weights.Efficiency,
		Readability: 0.5 * weights.Readability,
		Style:       0.5 * weights.Style,
		Innovation:  0,
	}
	return model.GradeReport{
		SubmissionID: submissionID,
		ScoreTotal:   clampTotal(criteria.Correctness + criteria.Efficiency + criteria.Readability + criteria.Style + criteria.Innovation),
		Criteria:     criteria,
		Feedback:     "Automated grading was unavailable; this score uses a fallback estimate.",
		Verdict:      verdict,
		Degraded:     true,
	}
}

func correctnessFromTests(tests TestOutcome, correctnessWeight float64) float64 {
	if tests.Total == 0 {
		return 0
	}
	passRate := float64(tests.Passed) / float64(tests.Total)
	return round1(passRate * correctnessWeight)
}

// clampTotal bounds ScoreTotal to [0,100] and rounds it to the nearest
// whole point, matching the worked examples in the spec (57.5 -> 58).
func clampTotal(total float64) float64 {
	if total > 100 {
		return 100
	}
	if total < 0 {
		return 0
	}
	return float64(int(total + 0.5))
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// WithTimeout wraps a Grader so MatchRuntime never blocks past budget
// waiting on a slow grading backend.
func WithTimeout(g Grader, budget time.Duration) Grader {
	return timeoutGrader{inner: g, budget: budget}
}

type timeoutGrader struct {
	inner  Grader
	budget time.Duration
}

func (t timeoutGrader) Grade(ctx context.Context, problem model.Problem, submission model.Submission, tests TestOutcome) (model.GradeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, t.budget)
	defer cancel()

	type result struct {
		report model.GradeReport
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		report, err := t.inner.Grade(ctx, problem, submission, tests)
		ch <- result{report: report, err: err}
	}()

	select {
	case r := <-ch:
		return r.report, r.err
	case <-ctx.Done():
		return model.GradeReport{}, ctx.Err()
	}
}
