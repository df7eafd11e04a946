package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/problemrepo"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
	"github.com/lijuuu/ArenaMatchCore/internal/supervisor"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(ctx context.Context, matchID string, env wsproto.Envelope) error { return nil }
func (noopBroadcaster) Whisper(ctx context.Context, matchID, playerID string, env wsproto.Envelope) error {
	return nil
}

func newTestSupervisor(maxMatches int) (*supervisor.Supervisor, *clock.Fake) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := supervisor.DefaultConfig("test-instance")
	cfg.MaxConcurrentMatches = maxMatches
	cfg.MaintenanceInterval = time.Hour
	sup := supervisor.New(cfg, fc,
		grader.NewHeuristic(model.DefaultScoreWeights()),
		statestore.NewFake(),
		store.NewFake(),
		problemrepo.NewFake([]model.Problem{{ProblemID: "p1", Mode: model.ModeRanked}}),
		noopBroadcaster{},
		nil,
		nil,
		nil,
	)
	return sup, fc
}

func TestCreateMatchRegistersAndLooksUp(t *testing.T) {
	sup, _ := newTestSupervisor(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	matchID, err := sup.CreateMatch(ctx, model.ModeRanked,
		[]model.Player{{PlayerID: "a"}, {PlayerID: "b"}},
		model.MatchConfig{MaxPlayers: 2, RoundCount: 1}, "")
	require.NoError(t, err)
	require.NotEmpty(t, matchID)

	rt, ok := sup.Lookup(matchID)
	assert.True(t, ok)
	assert.NotNil(t, rt)
	assert.Equal(t, 1, sup.Count())
}

func TestCreateMatchRejectsAtLimit(t *testing.T) {
	sup, _ := newTestSupervisor(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	_, err := sup.CreateMatch(ctx, model.ModeRanked,
		[]model.Player{{PlayerID: "a"}, {PlayerID: "b"}},
		model.MatchConfig{MaxPlayers: 2, RoundCount: 1}, "")
	require.NoError(t, err)

	_, err = sup.CreateMatch(ctx, model.ModeRanked,
		[]model.Player{{PlayerID: "c"}, {PlayerID: "d"}},
		model.MatchConfig{MaxPlayers: 2, RoundCount: 1}, "")
	assert.ErrorIs(t, err, supervisor.ErrMatchLimitReached)
}

func TestLookupUnknownMatchReturnsFalse(t *testing.T) {
	sup, _ := newTestSupervisor(10)
	_, ok := sup.Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestShutdownDrainsRunningMatches(t *testing.T) {
	sup, _ := newTestSupervisor(10)
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(runDone)
	}()

	matchID, err := sup.CreateMatch(ctx, model.ModeRanked,
		[]model.Player{{PlayerID: "a"}, {PlayerID: "b"}},
		model.MatchConfig{MaxPlayers: 2, RoundCount: 1}, "")
	require.NoError(t, err)
	_, ok := sup.Lookup(matchID)
	require.True(t, ok)

	cancel()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	_, ok = sup.Lookup(matchID)
	assert.False(t, ok)
}
