// Package sessionhub is the connection registry and command router: it
// tracks conn_id<->player_id and room (match) membership, rate-limits chat
// and typing events per connection, fans outbound events out to a room,
// and re-attaches a reconnecting player to their active matches. Grounded
// in the teacher's internal/wss (server.go's per-connection read loop and
// cleanupConnection, dispatcher.go's type->handler map) and internal/state
// (LocalStateManager's per-challenge WSClients registry), generalized from
// one challenge-scoped map into a player/room registry spanning many
// matches, with match membership persisted in StateStore so a reconnect
// survives this process restarting.
package sessionhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/bus"
	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

var (
	ErrUnknownCommand  = errors.New("sessionhub: unknown command type")
	ErrUnauthorized    = errors.New("sessionhub: player not authorized for match")
	ErrMatchNotHosted  = errors.New("sessionhub: match is not hosted by this instance")
	ErrRateLimited     = errors.New("sessionhub: rate limit exceeded")
)

// MatchLookup resolves a match_id to the Runtime hosting it on this
// process. Satisfied by *supervisor.Supervisor.
type MatchLookup interface {
	Lookup(matchID string) (*matchrun.Runtime, bool)
}

// Config carries SessionHub tunables from spec.md §4.4.
type Config struct {
	ChatRateMax    int
	ChatRateWindow time.Duration
	ChatHistorySize int
}

func DefaultConfig() Config {
	return Config{ChatRateMax: 10, ChatRateWindow: 10 * time.Second, ChatHistorySize: 200}
}

type connection struct {
	id       string
	playerID string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	limiter  *tokenBucket
}

func (c *connection) writeEnvelope(env wsproto.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Hub is the process-local connection registry. One Hub instance per
// process; it implements matchrun.Broadcaster so every Runtime spawned by
// the Supervisor can fan events out through it.
type Hub struct {
	cfg    Config
	lookup MatchLookup
	ss     statestore.Store
	relay  *bus.Bus
	log    *zap.Logger

	mu            sync.RWMutex
	connsByID     map[string]*connection
	connsByPlayer map[string]map[string]struct{} // playerID -> set of connIDs
	roomsByMatch  map[string]map[string]struct{} // matchID -> set of connIDs
}

// New builds a Hub. relay may be nil for a single-instance deployment; when
// set, Broadcast publishes the event over NATS if the match's room has no
// local connections. Whisper only ever writes to local connections.
func New(cfg Config, lookup MatchLookup, ss statestore.Store, relay *bus.Bus, log *zap.Logger) *Hub {
	return &Hub{
		cfg:           cfg,
		lookup:        lookup,
		ss:            ss,
		relay:         relay,
		log:           log,
		connsByID:     make(map[string]*connection),
		connsByPlayer: make(map[string]map[string]struct{}),
		roomsByMatch:  make(map[string]map[string]struct{}),
	}
}

func presenceKey(playerID string) string { return fmt.Sprintf("player:%s:matches", playerID) }

// Register adopts a new WebSocket connection for playerID, re-attaches it
// to any match the player was already a participant in, and returns the
// new connection id the caller should remember to route subsequent frames.
func (h *Hub) Register(ctx context.Context, ws *websocket.Conn, playerID string) string {
	connID := uuid.New().String()
	c := &connection{
		id:       connID,
		playerID: playerID,
		ws:       ws,
		limiter:  newTokenBucket(h.cfg.ChatRateMax, h.cfg.ChatRateWindow),
	}

	h.mu.Lock()
	h.connsByID[connID] = c
	if h.connsByPlayer[playerID] == nil {
		h.connsByPlayer[playerID] = make(map[string]struct{})
	}
	h.connsByPlayer[playerID][connID] = struct{}{}
	h.mu.Unlock()

	h.reattach(ctx, connID, playerID)
	return connID
}

// Unregister tears a connection down: it leaves every room, the rate
// limiter's background goroutine is stopped, and the connection is removed
// from the registry. It never removes the player's match-presence record —
// that is what lets a later reconnect resync. It does trigger MatchRuntime's
// disconnect grace window for every match the player is present in, so that
// window actually starts running instead of never being armed.
func (h *Hub) Unregister(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.connsByID[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connsByID, connID)
	playerID := c.playerID
	lastConn := false
	if set := h.connsByPlayer[playerID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.connsByPlayer, playerID)
			lastConn = true
		}
	}
	for matchID, set := range h.roomsByMatch {
		if _, in := set[connID]; in {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.roomsByMatch, matchID)
			}
		}
	}
	h.mu.Unlock()
	c.limiter.Close()

	if lastConn {
		h.disconnectFromMatches(ctx, playerID)
	}
}

// disconnectFromMatches looks up every match playerID is present in (per
// StateStore presence, not just locally-hosted rooms) and calls
// matchrun.Runtime.Disconnect on the one hosting it locally, arming its
// disconnect grace window.
func (h *Hub) disconnectFromMatches(ctx context.Context, playerID string) {
	if h.ss == nil {
		return
	}
	matchIDs, err := h.ss.SMembers(ctx, presenceKey(playerID))
	if err != nil {
		if h.log != nil {
			h.log.Warn("disconnect: list presence failed", zap.Error(err))
		}
		return
	}
	for _, matchID := range matchIDs {
		runtime, ok := h.lookup.Lookup(matchID)
		if !ok {
			continue
		}
		if err := runtime.Disconnect(ctx, playerID); err != nil && h.log != nil {
			h.log.Warn("disconnect failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
}

func (h *Hub) joinRoom(ctx context.Context, connID, matchID, playerID string) {
	h.mu.Lock()
	if h.roomsByMatch[matchID] == nil {
		h.roomsByMatch[matchID] = make(map[string]struct{})
	}
	h.roomsByMatch[matchID][connID] = struct{}{}
	h.mu.Unlock()

	if h.ss != nil {
		if err := h.ss.SAdd(ctx, presenceKey(playerID), matchID); err != nil && h.log != nil {
			h.log.Warn("record match presence failed", zap.Error(err))
		}
	}
}

func (h *Hub) leaveRoom(ctx context.Context, matchID, playerID string) {
	h.mu.Lock()
	for connID := range h.connsByPlayer[playerID] {
		if set := h.roomsByMatch[matchID]; set != nil {
			delete(set, connID)
		}
	}
	h.mu.Unlock()

	if h.ss != nil {
		if err := h.ss.SRem(ctx, presenceKey(playerID), matchID); err != nil && h.log != nil {
			h.log.Warn("clear match presence failed", zap.Error(err))
		}
	}
}

// reattach re-joins every room a reconnecting player was previously part of
// and whispers a resync snapshot for each, per spec.md §4.4's reconnection
// policy.
func (h *Hub) reattach(ctx context.Context, connID, playerID string) {
	if h.ss == nil {
		return
	}
	matchIDs, err := h.ss.SMembers(ctx, presenceKey(playerID))
	if err != nil {
		if h.log != nil {
			h.log.Warn("reattach: list presence failed", zap.Error(err))
		}
		return
	}
	for _, matchID := range matchIDs {
		h.mu.Lock()
		if h.roomsByMatch[matchID] == nil {
			h.roomsByMatch[matchID] = make(map[string]struct{})
		}
		h.roomsByMatch[matchID][connID] = struct{}{}
		h.mu.Unlock()

		runtime, ok := h.lookup.Lookup(matchID)
		if !ok {
			continue
		}
		if err := runtime.Reconnect(ctx, playerID); err != nil && h.log != nil {
			h.log.Warn("reconnect failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}
}

// Broadcast fans env out to every connection currently in matchID's room.
// If this instance does not host any local connections for the match (a
// relay-only process) and a Bus is configured, the event is republished for
// the instance that does.
func (h *Hub) Broadcast(ctx context.Context, matchID string, env wsproto.Envelope) error {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.roomsByMatch[matchID]))
	for connID := range h.roomsByMatch[matchID] {
		if c, ok := h.connsByID[connID]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeEnvelope(env); err != nil && h.log != nil {
			h.log.Warn("broadcast write failed", zap.String("conn_id", c.id), zap.Error(err))
		}
	}

	if len(conns) == 0 && h.relay != nil {
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return h.relay.PublishEvent(matchID, payload)
	}
	return nil
}

// Whisper delivers env only to playerID's connections.
func (h *Hub) Whisper(ctx context.Context, matchID, playerID string, env wsproto.Envelope) error {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connsByPlayer[playerID]))
	for connID := range h.connsByPlayer[playerID] {
		if c, ok := h.connsByID[connID]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeEnvelope(env); err != nil && h.log != nil {
			h.log.Warn("whisper write failed", zap.String("conn_id", c.id), zap.Error(err))
		}
	}
	return nil
}
