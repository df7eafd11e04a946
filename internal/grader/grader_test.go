package grader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

func TestHeuristicGradePerfectTests(t *testing.T) {
	g := grader.NewHeuristic(model.DefaultScoreWeights())
	report, err := g.Grade(context.Background(), model.Problem{}, model.Submission{
		SubmissionID: "s1",
		Code:         "func solve() {}\n// done\n",
	}, grader.TestOutcome{Passed: 10, Total: 10})

	require.NoError(t, err)
	assert.Equal(t, model.VerdictOK, report.Verdict)
	assert.Equal(t, 40.0, report.Criteria.Correctness)
	assert.False(t, report.Degraded)
}

func TestHeuristicGradeNoTests(t *testing.T) {
	g := grader.NewHeuristic(model.DefaultScoreWeights())
	report, err := g.Grade(context.Background(), model.Problem{}, model.Submission{SubmissionID: "s1"}, grader.TestOutcome{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.Criteria.Correctness)
}

func TestFallbackReportUsesMidpointDefaults(t *testing.T) {
	report := grader.FallbackReport("s1", grader.TestOutcome{Passed: 3, Total: 4}, model.DefaultScoreWeights(), model.VerdictTimeout)
	assert.True(t, report.Degraded)
	assert.Equal(t, model.VerdictTimeout, report.Verdict)
	assert.InDelta(t, 0.5*25, report.Criteria.Efficiency, 0.01)
	assert.InDelta(t, 0.0, report.Criteria.Innovation, 0.01)
}

// TestFallbackReportScenarioTwo reproduces the grader-outage scenario:
// A submits 3/4 tests passing, B submits 4/4, both fall back after a
// grader_error. A totals 58, B totals 68.
func TestFallbackReportScenarioTwo(t *testing.T) {
	weights := model.DefaultScoreWeights()

	a := grader.FallbackReport("a1", grader.TestOutcome{Passed: 3, Total: 4}, weights, model.VerdictGraderError)
	assert.InDelta(t, 30, a.Criteria.Correctness, 0.01)
	assert.InDelta(t, 58, a.ScoreTotal, 0.5)

	b := grader.FallbackReport("b1", grader.TestOutcome{Passed: 4, Total: 4}, weights, model.VerdictGraderError)
	assert.InDelta(t, 40, b.Criteria.Correctness, 0.01)
	assert.InDelta(t, 68, b.ScoreTotal, 0.5)
}

func TestWithTimeoutAbortsSlowGrader(t *testing.T) {
	slow := slowGrader{delay: 50 * time.Millisecond}
	g := grader.WithTimeout(slow, 5*time.Millisecond)

	_, err := g.Grade(context.Background(), model.Problem{}, model.Submission{}, grader.TestOutcome{})
	assert.Error(t, err)
}

type slowGrader struct{ delay time.Duration }

func (s slowGrader) Grade(ctx context.Context, problem model.Problem, submission model.Submission, tests grader.TestOutcome) (model.GradeReport, error) {
	select {
	case <-time.After(s.delay):
		return model.GradeReport{Verdict: model.VerdictOK}, nil
	case <-ctx.Done():
		return model.GradeReport{}, ctx.Err()
	}
}
