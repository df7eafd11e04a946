package matchrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

type recordingGrader struct {
	called bool
}

func (g *recordingGrader) Grade(ctx context.Context, problem model.Problem, submission model.Submission, tests grader.TestOutcome) (model.GradeReport, error) {
	g.called = true
	return model.GradeReport{SubmissionID: submission.SubmissionID, Verdict: model.VerdictOK}, nil
}

func TestScoreTriviaCorrectOptionGetsFullCorrectness(t *testing.T) {
	weights := model.DefaultScoreWeights()
	problem := model.Problem{Payload: map[string]any{"correct_option": "b"}}
	submission := model.Submission{SubmissionID: "s1", Code: "b"}

	report := scoreTrivia(problem, submission, weights)

	assert.Equal(t, weights.Correctness, report.Criteria.Correctness)
	assert.Equal(t, weights.Correctness, report.ScoreTotal)
	assert.Equal(t, model.VerdictOK, report.Verdict)
	assert.Zero(t, report.Criteria.Efficiency)
	assert.Zero(t, report.Criteria.Readability)
	assert.Zero(t, report.Criteria.Style)
	assert.Zero(t, report.Criteria.Innovation)
}

func TestScoreTriviaWrongOptionGetsZero(t *testing.T) {
	weights := model.DefaultScoreWeights()
	problem := model.Problem{Payload: map[string]any{"correct_option": "b"}}
	submission := model.Submission{SubmissionID: "s1", Code: "c"}

	report := scoreTrivia(problem, submission, weights)

	assert.Zero(t, report.Criteria.Correctness)
	assert.Zero(t, report.ScoreTotal)
}

func TestScoreSubmissionDispatchesTriviaWithoutCallingGrader(t *testing.T) {
	g := &recordingGrader{}
	r := &Runtime{grader: g}
	weights := model.DefaultScoreWeights()
	problem := model.Problem{Payload: map[string]any{"correct_option": "a"}}
	submission := model.Submission{SubmissionID: "s1", Code: "a"}

	report, err := r.scoreSubmission(context.Background(), model.ModeTrivia, problem, submission, weights)

	require.NoError(t, err)
	assert.False(t, g.called)
	assert.Equal(t, weights.Correctness, report.ScoreTotal)
}

func TestScoreSubmissionRoutesCodeModesThroughGrader(t *testing.T) {
	g := &recordingGrader{}
	r := &Runtime{grader: g}
	weights := model.DefaultScoreWeights()

	for _, mode := range []model.MatchMode{model.ModeRanked, model.ModeDebug, model.ModeCustom} {
		g.called = false
		_, err := r.scoreSubmission(context.Background(), mode, model.Problem{}, model.Submission{}, weights)
		require.NoError(t, err)
		assert.True(t, g.called, "mode %s should route through the grader", mode)
	}
}

func TestScoreSubmissionFallsBackToClassicForUnknownMode(t *testing.T) {
	g := &recordingGrader{}
	r := &Runtime{grader: g}
	weights := model.DefaultScoreWeights()

	_, err := r.scoreSubmission(context.Background(), model.MatchMode("electrical"), model.Problem{}, model.Submission{}, weights)

	require.NoError(t, err)
	assert.True(t, g.called)
}
