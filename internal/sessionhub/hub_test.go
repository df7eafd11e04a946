package sessionhub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/sessionhub"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

type noLookup struct{}

func (noLookup) Lookup(matchID string) (*matchrun.Runtime, bool) { return nil, false }

// dialHub starts an httptest server that upgrades every request and hands
// the connection straight to hub.Register under playerID, mirroring the
// pack's websocket_test.go dial pattern. Seeding matchID into the player's
// presence set before dialing exercises Register's reattach path, which is
// the only way this package's public surface joins a room.
func dialHub(t *testing.T, hub *sessionhub.Hub, ss statestore.Store, playerID, matchID string) *websocket.Conn {
	t.Helper()
	if matchID != "" {
		require.NoError(t, ss.SAdd(context.Background(), "player:"+playerID+":matches", matchID))
	}

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(context.Background(), conn, playerID)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	time.Sleep(20 * time.Millisecond) // let the server goroutine finish Register
	return conn
}

func TestBroadcastDeliversToRoomMembers(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)

	conn := dialHub(t, hub, ss, "alice", "match-1")

	env, err := wsproto.Encode(wsproto.EvtRoundStart, "match-1", 1, wsproto.RoundStartPayload{RoundIndex: 0})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(context.Background(), "match-1", env))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got wsproto.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, wsproto.EvtRoundStart, got.Type)
}

func TestWhisperOnlyReachesTargetPlayer(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)

	aliceConn := dialHub(t, hub, ss, "alice", "match-1")
	_ = dialHub(t, hub, ss, "bob", "match-1")

	env, err := wsproto.Encode(wsproto.EvtResync, "match-1", 1, wsproto.ResyncPayload{})
	require.NoError(t, err)
	require.NoError(t, hub.Whisper(context.Background(), "match-1", "alice", env))

	aliceConn.SetReadDeadline(time.Now().Add(time.Second))
	var got wsproto.Envelope
	require.NoError(t, aliceConn.ReadJSON(&got))
	assert.Equal(t, wsproto.EvtResync, got.Type)
}

func TestBroadcastWithNoLocalMembersIsNoop(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)

	env, err := wsproto.Encode(wsproto.EvtMatchEnd, "match-1", 1, wsproto.MatchEndPayload{})
	require.NoError(t, err)
	require.NoError(t, hub.Broadcast(context.Background(), "match-1", env))
}

func TestBroadcastToClosedClientReturnsNoError(t *testing.T) {
	ss := statestore.NewFake()
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, ss, nil, nil)

	conn := dialHub(t, hub, ss, "alice", "match-1")
	conn.Close()

	env, err := wsproto.Encode(wsproto.EvtMatchEnd, "match-1", 1, wsproto.MatchEndPayload{})
	require.NoError(t, err)
	// Broadcast still finds the stale registry entry but the write fails
	// silently (logged, not returned) since the socket is already closed.
	require.NoError(t, hub.Broadcast(context.Background(), "match-1", env))
}
