// Package problemrepo fronts the immutable problem catalog MatchRuntime
// draws from when populating a Round. The catalog spans
// code problems, trivia questions and debug-patch targets — all modeled as
// model.Problem with a mode-specific Payload.
package problemrepo

import (
	"context"
	"errors"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

var ErrNoProblem = errors.New("problemrepo: no problem available for mode")

// Repository selects problems for a Round. RandomForMode must exclude
// problems already used in the match (seen) so a single match never
// repeats a problem.
type Repository interface {
	RandomForMode(ctx context.Context, mode model.MatchMode, seen map[string]struct{}) (model.Problem, error)
	GetByID(ctx context.Context, problemID string) (model.Problem, error)
}
