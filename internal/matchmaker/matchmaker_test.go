package matchmaker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/matchmaker"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
)

type fakeCreator struct {
	mu      sync.Mutex
	created []model.MatchMode
	nextID  int
}

func (f *fakeCreator) CreateMatch(ctx context.Context, mode model.MatchMode, players []model.Player, config model.MatchConfig, ownerPlayerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, mode)
	f.nextID++
	return "match-" + string(rune('0'+f.nextID)), nil
}

func TestFindMatchPairsWithinBucket(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	creator := &fakeCreator{}
	cfg := matchmaker.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	mm := matchmaker.New(fc, creator, statestore.NewFake(), nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm.Run(ctx)

	_, out1, err := mm.FindMatch(ctx, model.Player{PlayerID: "a", Rating: 1000}, model.ModeRanked)
	require.NoError(t, err)
	_, out2, err := mm.FindMatch(ctx, model.Player{PlayerID: "b", Rating: 1020}, model.ModeRanked)
	require.NoError(t, err)

	fc.Advance(10 * time.Millisecond)

	prompt1 := requireOutcome(t, out1)
	assert.True(t, prompt1.RequiresConfirm)
	prompt2 := requireOutcome(t, out2)
	assert.True(t, prompt2.RequiresConfirm)

	require.NoError(t, mm.Confirm(ctx, prompt1.PendingID, "a"))
	require.NoError(t, mm.Confirm(ctx, prompt2.PendingID, "b"))

	final1 := requireOutcome(t, out1)
	assert.False(t, final1.Cancelled)
	assert.NotEmpty(t, final1.MatchID)
	final2 := requireOutcome(t, out2)
	assert.False(t, final2.Cancelled)
	assert.Equal(t, final1.MatchID, final2.MatchID)
}

func requireOutcome(t *testing.T, out <-chan matchmaker.Outcome) matchmaker.Outcome {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
		return matchmaker.Outcome{}
	}
}

func TestCancelRemovesFromQueue(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	creator := &fakeCreator{}
	mm := matchmaker.New(fc, creator, statestore.NewFake(), nil, matchmaker.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm.Run(ctx)

	ticket, out, err := mm.FindMatch(ctx, model.Player{PlayerID: "a", Rating: 1000}, model.ModeRanked)
	require.NoError(t, err)

	require.NoError(t, mm.Cancel(ctx, ticket.TicketID))

	select {
	case res := <-out:
		assert.True(t, res.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestConfirmationTimeoutCancelsUnconfirmedAndRequeuesConfirmed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	creator := &fakeCreator{}
	cfg := matchmaker.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ConfirmationWindow = 50 * time.Millisecond
	mm := matchmaker.New(fc, creator, statestore.NewFake(), nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm.Run(ctx)

	_, out1, err := mm.FindMatch(ctx, model.Player{PlayerID: "a", Rating: 1000}, model.ModeRanked)
	require.NoError(t, err)
	_, out2, err := mm.FindMatch(ctx, model.Player{PlayerID: "b", Rating: 1020}, model.ModeRanked)
	require.NoError(t, err)

	fc.Advance(10 * time.Millisecond)
	prompt1 := requireOutcome(t, out1)
	require.True(t, prompt1.RequiresConfirm)
	requireOutcome(t, out2)

	require.NoError(t, mm.Confirm(ctx, prompt1.PendingID, "a"))

	fc.Advance(50 * time.Millisecond)

	final2 := requireOutcome(t, out2)
	assert.True(t, final2.Cancelled)
	assert.Equal(t, "confirmation_timeout", final2.Reason)

	fc.Advance(10 * time.Millisecond)
	_, out3, err := mm.FindMatch(ctx, model.Player{PlayerID: "c", Rating: 1000}, model.ModeRanked)
	require.NoError(t, err)
	fc.Advance(10 * time.Millisecond)

	prompt1Again := requireOutcome(t, out1)
	assert.True(t, prompt1Again.RequiresConfirm)
	requireOutcome(t, out3)
}

func TestJoinCustomDeniesWhenFull(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	creator := &fakeCreator{}
	mm := matchmaker.New(fc, creator, statestore.NewFake(), nil, matchmaker.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm.Run(ctx)

	owner := model.Player{PlayerID: "owner"}
	matchID, err := mm.CreateCustom(ctx, owner, model.MatchConfig{MaxPlayers: 1})
	require.NoError(t, err)

	result, err := mm.JoinCustom(ctx, model.Player{PlayerID: "p2"}, matchID)
	require.NoError(t, err)
	assert.Equal(t, matchmaker.JoinFull, result)
}

func TestJoinCustomNotFound(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	mm := matchmaker.New(fc, &fakeCreator{}, statestore.NewFake(), nil, matchmaker.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mm.Run(ctx)

	result, err := mm.JoinCustom(ctx, model.Player{PlayerID: "p1"}, "unknown")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.JoinNotFound, result)
}
