package httpapi_test

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

	"github.com/lijuuu/ArenaMatchCore/internal/authn"
	"github.com/lijuuu/ArenaMatchCore/internal/httpapi"
	"github.com/lijuuu/ArenaMatchCore/internal/matchmaker"
	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/sessionhub"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
)

type noLookup struct{}

func (noLookup) Lookup(matchID string) (*matchrun.Runtime, bool) { return nil, false }

type fakeMatchmaker struct{}

func (fakeMatchmaker) FindMatch(ctx context.Context, player model.Player, mode model.MatchMode) (*matchmaker.Ticket, <-chan matchmaker.Outcome, error) {
	out := make(chan matchmaker.Outcome)
	return &matchmaker.Ticket{TicketID: "t1", PlayerID: player.PlayerID}, out, nil
}

func (fakeMatchmaker) Cancel(ctx context.Context, ticketID string) error { return nil }

func (fakeMatchmaker) Confirm(ctx context.Context, pendingID, playerID string) error { return nil }

func (fakeMatchmaker) CreateCustom(ctx context.Context, owner model.Player, config model.MatchConfig) (string, error) {
	return "custom-1", nil
}

func (fakeMatchmaker) JoinCustom(ctx context.Context, player model.Player, matchID string) (matchmaker.JoinResult, error) {
	return matchmaker.JoinNotFound, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *authn.Verifier) {
	t.Helper()
	verifier := authn.NewVerifier("test-secret")
	hub := sessionhub.New(sessionhub.DefaultConfig(), noLookup{}, statestore.NewFake(), nil, nil)
	disp := sessionhub.NewDispatcher(hub, fakeMatchmaker{}, nil, nil)
	srv := httpapi.New(hub, disp, verifier, metrics.New(), nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, verifier
}

func TestHealthzReturnsOK(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketUpgradeRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketUpgradeAcceptsValidToken(t *testing.T) {
	ts, verifier := newTestServer(t)
	token, err := verifier.Issue("alice", time.Hour)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}
