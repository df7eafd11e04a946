package problemrepo

import (
	"context"
	"math/rand"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// Fake serves problems from an in-memory slice, shuffled per call so tests
// relying on RandomForMode ordering would catch a caller that assumes
// determinism it isn't owed.
type Fake struct {
	byMode map[model.MatchMode][]model.Problem
	byID   map[string]model.Problem
}

func NewFake(problems []model.Problem) *Fake {
	f := &Fake{
		byMode: make(map[model.MatchMode][]model.Problem),
		byID:   make(map[string]model.Problem),
	}
	for _, p := range problems {
		f.byMode[p.Mode] = append(f.byMode[p.Mode], p)
		f.byID[p.ProblemID] = p
	}
	return f
}

func (f *Fake) RandomForMode(ctx context.Context, mode model.MatchMode, seen map[string]struct{}) (model.Problem, error) {
	candidates := f.byMode[mode]
	order := rand.Perm(len(candidates))
	for _, i := range order {
		p := candidates[i]
		if _, excluded := seen[p.ProblemID]; !excluded {
			return p, nil
		}
	}
	return model.Problem{}, ErrNoProblem
}

func (f *Fake) GetByID(ctx context.Context, problemID string) (model.Problem, error) {
	p, ok := f.byID[problemID]
	if !ok {
		return model.Problem{}, ErrNoProblem
	}
	return p, nil
}
