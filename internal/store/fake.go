package store

import (
	"context"
	"sync"
)

// Fake is an in-memory Store for matchrun/supervisor tests.
type Fake struct {
	mu        sync.Mutex
	ratings   map[string]int
	Results   []FinalResult
}

func NewFake() *Fake {
	return &Fake{ratings: make(map[string]int)}
}

func (f *Fake) SeedRating(playerID string, rating int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings[playerID] = rating
}

func (f *Fake) GetUserRating(ctx context.Context, playerID string) (UserRating, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rating, ok := f.ratings[playerID]
	if !ok {
		rating = 1000
	}
	return UserRating{PlayerID: playerID, Rating: rating}, nil
}

func (f *Fake) SaveFinalResult(ctx context.Context, result FinalResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results = append(f.Results, result)
	return nil
}

func (f *Fake) ApplyRatingUpdates(ctx context.Context, matchID string, result FinalResult) error {
	return nil
}
