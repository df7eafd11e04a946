package sessionhub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/matchmaker"
	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/problemrepo"
	"github.com/lijuuu/ArenaMatchCore/internal/sessionhub"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

type fakeMatchmaker struct {
	joinResult matchmaker.JoinResult
	joinErr    error
}

func (f *fakeMatchmaker) FindMatch(ctx context.Context, player model.Player, mode model.MatchMode) (*matchmaker.Ticket, <-chan matchmaker.Outcome, error) {
	out := make(chan matchmaker.Outcome, 1)
	out <- matchmaker.Outcome{MatchID: "matched-1"}
	return &matchmaker.Ticket{TicketID: "t1", PlayerID: player.PlayerID}, out, nil
}

func (f *fakeMatchmaker) Cancel(ctx context.Context, ticketID string) error { return nil }

func (f *fakeMatchmaker) Confirm(ctx context.Context, pendingID, playerID string) error { return nil }

func (f *fakeMatchmaker) CreateCustom(ctx context.Context, owner model.Player, config model.MatchConfig) (string, error) {
	return "custom-1", nil
}

func (f *fakeMatchmaker) JoinCustom(ctx context.Context, player model.Player, matchID string) (matchmaker.JoinResult, error) {
	return f.joinResult, f.joinErr
}

// liveMatchLookup resolves to a single, already-running Runtime for every
// match id, enough to exercise the matchRunner command paths.
type liveMatchLookup struct {
	rt *matchrun.Runtime
}

func (l liveMatchLookup) Lookup(matchID string) (*matchrun.Runtime, bool) { return l.rt, true }

func newLiveRuntime(t *testing.T) (*matchrun.Runtime, context.Context) {
	t.Helper()
	fc := clock.NewFake(time.Unix(0, 0))
	match := &model.Match{
		MatchID: "live-1",
		Mode:    model.ModeRanked,
		Config:  model.MatchConfig{RoundCount: 1, RoundTimeLimit: time.Minute, MaxPlayers: 2},
		Players: []model.Player{{PlayerID: "alice", Connected: true}, {PlayerID: "bob", Connected: true}},
		Status:  model.StatusWaiting,
	}
	match.Rounds = make([]model.Round, 1)

	problems := problemrepo.NewFake([]model.Problem{{ProblemID: "pr-1", Mode: model.ModeRanked}})
	rt := matchrun.New(matchrun.DefaultConfig(), match, fc, grader.NewHeuristic(model.DefaultScoreWeights()),
		statestore.NewFake(), store.NewFake(), problems, noopBroadcaster{}, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rt.Run(ctx)
	return rt, ctx
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(ctx context.Context, matchID string, env wsproto.Envelope) error { return nil }
func (noopBroadcaster) Whisper(ctx context.Context, matchID, playerID string, env wsproto.Envelope) error {
	return nil
}

func TestHandleInboundFindMatchWhispersMatchFound(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)
	conn := dialHub(t, hub, ss, "alice", "")
	disp := sessionhub.NewDispatcher(hub, &fakeMatchmaker{}, nil, nil)

	env, err := wsproto.Encode(wsproto.CmdFindMatch, "", 0, wsproto.FindMatchPayload{Mode: model.ModeRanked})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, disp.HandleInbound(context.Background(), "ignored-conn-id", "alice", raw))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wsproto.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, wsproto.EvtMatchFound, got.Type)
}

func TestHandleInboundJoinGameFullSendsError(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)
	conn := dialHub(t, hub, ss, "alice", "")
	disp := sessionhub.NewDispatcher(hub, &fakeMatchmaker{joinResult: matchmaker.JoinFull}, nil, nil)

	env, err := wsproto.Encode(wsproto.CmdJoinGame, "", 0, wsproto.MatchScopedPayload{MatchID: "custom-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, disp.HandleInbound(context.Background(), "ignored-conn-id", "alice", raw))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wsproto.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, wsproto.EvtError, got.Type)
	var payload wsproto.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "match_full", payload.Code)
}

func TestHandleInboundReadyReachesLiveRuntime(t *testing.T) {
	rt, ctx := newLiveRuntime(t)
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), liveMatchLookup{rt: rt}, ss, nil, nil)
	disp := sessionhub.NewDispatcher(hub, &fakeMatchmaker{}, nil, nil)

	env, err := wsproto.Encode(wsproto.CmdReady, "live-1", 0, wsproto.MatchScopedPayload{MatchID: "live-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, disp.HandleInbound(ctx, "conn-1", "alice", raw))

	snap, err := rt.Resync(ctx, "alice")
	require.NoError(t, err)
	_ = snap // readiness isn't exposed on the snapshot; absence of an error confirms the command reached the runtime
}

func TestHandleInboundUnknownCommandSendsError(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)
	conn := dialHub(t, hub, ss, "alice", "")
	disp := sessionhub.NewDispatcher(hub, &fakeMatchmaker{}, nil, nil)

	env, err := wsproto.Encode("not_a_real_command", "", 0, struct{}{})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, disp.HandleInbound(context.Background(), "ignored-conn-id", "alice", raw))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wsproto.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, wsproto.EvtError, got.Type)
	var payload wsproto.ErrorPayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "unknown_command", payload.Code)
}
