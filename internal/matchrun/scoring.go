package matchrun

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// scoreSubmission dispatches grading by MatchMode: trivia submissions are
// graded as a binary option match instead of going through the code
// grader, debug and every other code-submission mode grade through the
// normal Grader.Grade call, and an unrecognized mode falls back to the
// classic code-submission curve with a logged warning rather than failing
// the round.
func (r *Runtime) scoreSubmission(ctx context.Context, mode model.MatchMode, problem model.Problem, submission model.Submission, weights model.ScoreWeights) (model.GradeReport, error) {
	switch mode {
	case model.ModeTrivia:
		return scoreTrivia(problem, submission, weights), nil
	case model.ModeRanked, model.ModeCasual, model.ModeBlitz, model.ModePractice, model.ModeDebug, model.ModeCustom:
		return r.grader.Grade(ctx, problem, submission, grader.TestOutcome{})
	default:
		if r.log != nil {
			r.log.Warn("unrecognized match mode, falling back to classic scoring", zap.String("mode", string(mode)))
		}
		return r.grader.Grade(ctx, problem, submission, grader.TestOutcome{})
	}
}

// scoreTrivia grades a trivia submission by comparing its Code field (the
// chosen option, e.g. "b") against the problem's correct_option payload
// entry: full correctness weight on a match, zero otherwise, with every
// other criterion zero-weighted.
func scoreTrivia(problem model.Problem, submission model.Submission, weights model.ScoreWeights) model.GradeReport {
	correctOption := fmt.Sprint(problem.Payload["correct_option"])
	correct := submission.Code == correctOption

	correctness := 0.0
	feedback := "Incorrect answer."
	if correct {
		correctness = weights.Correctness
		feedback = "Correct answer."
	}

	return model.GradeReport{
		SubmissionID: submission.SubmissionID,
		ScoreTotal:   correctness,
		Criteria:     model.GradingCriteria{Correctness: correctness},
		Feedback:     feedback,
		Verdict:      model.VerdictOK,
	}
}
