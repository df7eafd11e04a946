package sessionhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/matchmaker"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

// Matchmaker is the subset of *matchmaker.Matchmaker the Hub routes
// find_match/confirm_match/cancel_matchmaking/create_custom/join_game
// through.
type Matchmaker interface {
	FindMatch(ctx context.Context, player model.Player, mode model.MatchMode) (*matchmaker.Ticket, <-chan matchmaker.Outcome, error)
	Confirm(ctx context.Context, pendingID, playerID string) error
	Cancel(ctx context.Context, ticketID string) error
	CreateCustom(ctx context.Context, owner model.Player, config model.MatchConfig) (string, error)
	JoinCustom(ctx context.Context, player model.Player, matchID string) (matchmaker.JoinResult, error)
}

// ticketTracker remembers the in-flight matchmaking ticket per player so
// cancel_matchmaking (which carries no ticket_id on the wire) can find it.
type ticketTracker struct {
	mu      sync.Mutex
	byPlayer map[string]*matchmaker.Ticket
}

func newTicketTracker() *ticketTracker {
	return &ticketTracker{byPlayer: make(map[string]*matchmaker.Ticket)}
}

func (t *ticketTracker) set(playerID string, ticket *matchmaker.Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPlayer[playerID] = ticket
}

func (t *ticketTracker) take(playerID string) *matchmaker.Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	ticket := t.byPlayer[playerID]
	delete(t.byPlayer, playerID)
	return ticket
}

// Dispatcher wires a Hub to a Matchmaker and routes inbound frames,
// grounded in the teacher's wss.Dispatcher (internal/wss/dispatcher.go:
// a string->handler map with a Dispatch(event, ctx) entry point) adapted
// from map[string]func to a typed switch since every command here has a
// fixed, known payload shape.
type Dispatcher struct {
	hub     *Hub
	mm      Matchmaker
	tickets *ticketTracker
	mtr     *metrics.Metrics
	log     *zap.Logger
}

func NewDispatcher(hub *Hub, mm Matchmaker, mtr *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, mm: mm, tickets: newTicketTracker(), mtr: mtr, log: log}
}

// HandleInbound decodes one client frame and routes it. playerID is the
// authenticated identity bound to connID by the upgrade handshake.
func (d *Dispatcher) HandleInbound(ctx context.Context, connID, playerID string, raw []byte) error {
	var env wsproto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return d.sendError(playerID, "bad_envelope", err.Error())
	}

	if d.mtr != nil {
		d.mtr.CommandsDispatched.WithLabelValues(env.Type).Inc()
	}

	switch env.Type {
	case wsproto.CmdFindMatch:
		return d.handleFindMatch(ctx, connID, playerID, env)
	case wsproto.CmdConfirmMatch:
		return d.handleConfirmMatch(ctx, playerID, env)
	case wsproto.CmdCancelMatchmaking:
		return d.handleCancelMatchmaking(ctx, playerID)
	case wsproto.CmdCreateCustom:
		return d.handleCreateCustom(ctx, connID, playerID, env)
	case wsproto.CmdJoinGame:
		return d.handleJoinGame(ctx, connID, playerID, env)
	case wsproto.CmdLeaveGame:
		return d.withRuntime(ctx, connID, playerID, env, func(rt matchRunner) error { return rt.Forfeit(ctx, playerID) })
	case wsproto.CmdReady:
		return d.withRuntime(ctx, connID, playerID, env, func(rt matchRunner) error { return rt.Ready(ctx, playerID) })
	case wsproto.CmdStartGame:
		return d.withRuntime(ctx, connID, playerID, env, func(rt matchRunner) error { return rt.StartGame(ctx, playerID) })
	case wsproto.CmdSubmitSolution:
		return d.handleSubmitSolution(ctx, connID, playerID, env)
	case wsproto.CmdSpectateGame:
		return d.handleSpectateGame(ctx, connID, playerID, env)
	case wsproto.CmdStopSpectating:
		return d.withRuntime(ctx, connID, playerID, env, func(rt matchRunner) error { return rt.StopSpectating(ctx, playerID) })
	case wsproto.CmdGetGameState:
		return d.handleGetGameState(ctx, connID, playerID, env)
	case wsproto.CmdSendChatMessage:
		return d.handleSendChatMessage(ctx, connID, playerID, env)
	case wsproto.CmdUserTyping:
		return d.handleUserTyping(ctx, connID, playerID, env)
	default:
		return d.sendError(playerID, "unknown_command", fmt.Sprintf("unrecognized type %q", env.Type))
	}
}

// matchRunner is the subset of *matchrun.Runtime every single-arg command
// handler above needs; kept narrow so withRuntime stays generic.
type matchRunner interface {
	Ready(ctx context.Context, playerID string) error
	StartGame(ctx context.Context, ownerID string) error
	Forfeit(ctx context.Context, playerID string) error
	StopSpectating(ctx context.Context, playerID string) error
}

func (d *Dispatcher) withRuntime(ctx context.Context, connID, playerID string, env wsproto.Envelope, fn func(matchRunner) error) error {
	var p wsproto.MatchScopedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	rt, ok := d.hub.lookup.Lookup(p.MatchID)
	if !ok {
		return d.sendError(playerID, "not_hosted", "match is not hosted by this instance")
	}
	if err := fn(rt); err != nil {
		return d.sendError(playerID, "command_failed", err.Error())
	}
	return nil
}

func (d *Dispatcher) handleFindMatch(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.FindMatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	ticket, outcome, err := d.mm.FindMatch(ctx, model.Player{PlayerID: playerID}, p.Mode)
	if err != nil {
		return d.sendError(playerID, "find_match_failed", err.Error())
	}
	d.tickets.set(playerID, ticket)

	go d.awaitOutcome(connID, playerID, p.Mode, outcome)
	return nil
}

// awaitOutcome drains a ticket's outcome channel. A pairing first delivers
// a RequiresConfirm prompt, which this forwards to the player as
// EvtMatchPending and keeps waiting on; the loop exits once a terminal
// outcome (a MatchID or a cancellation) arrives, the channel closes, or ten
// minutes pass.
func (d *Dispatcher) awaitOutcome(connID, playerID string, mode model.MatchMode, outcome <-chan matchmaker.Outcome) {
	deadline := time.NewTimer(10 * time.Minute)
	defer deadline.Stop()

	for {
		select {
		case result, ok := <-outcome:
			if !ok {
				return
			}
			if result.RequiresConfirm {
				pendingEnv, err := wsproto.Encode(wsproto.EvtMatchPending, "", 0, wsproto.MatchPendingPayload{PendingID: result.PendingID, Mode: mode, ConfirmBy: result.ConfirmBy})
				if err != nil {
					continue
				}
				d.hub.Whisper(context.Background(), "", playerID, pendingEnv)
				continue
			}
			if result.Cancelled {
				d.sendError(playerID, "matchmaking_cancelled", result.Reason)
				return
			}
			d.hub.joinRoom(context.Background(), connID, result.MatchID, playerID)
			foundEnv, err := wsproto.Encode(wsproto.EvtMatchFound, result.MatchID, 0, wsproto.MatchFoundPayload{MatchID: result.MatchID, Mode: mode})
			if err != nil {
				return
			}
			d.hub.Whisper(context.Background(), result.MatchID, playerID, foundEnv)
			return
		case <-deadline.C:
			// stop waiting; the ticket is not cancelled and stays in the
			// matchmaker's queue.
			return
		}
	}
}

func (d *Dispatcher) handleConfirmMatch(ctx context.Context, playerID string, env wsproto.Envelope) error {
	var p wsproto.ConfirmMatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	if err := d.mm.Confirm(ctx, p.PendingID, playerID); err != nil {
		return d.sendError(playerID, "confirm_failed", err.Error())
	}
	return nil
}

func (d *Dispatcher) handleCancelMatchmaking(ctx context.Context, playerID string) error {
	ticket := d.tickets.take(playerID)
	if ticket == nil {
		return nil
	}
	if err := d.mm.Cancel(ctx, ticket.TicketID); err != nil {
		return d.sendError(playerID, "cancel_failed", err.Error())
	}
	return nil
}

func (d *Dispatcher) handleCreateCustom(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.CreateCustomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	matchID, err := d.mm.CreateCustom(ctx, model.Player{PlayerID: playerID}, p.Config)
	if err != nil {
		return d.sendError(playerID, "create_custom_failed", err.Error())
	}
	d.hub.joinRoom(ctx, connID, matchID, playerID)
	out, err := wsproto.Encode(wsproto.EvtMatchFound, matchID, 0, wsproto.MatchFoundPayload{MatchID: matchID, Mode: model.ModeCustom})
	if err != nil {
		return err
	}
	return d.hub.Whisper(ctx, matchID, playerID, out)
}

func (d *Dispatcher) handleJoinGame(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.MatchScopedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	result, err := d.mm.JoinCustom(ctx, model.Player{PlayerID: playerID}, p.MatchID)
	if err != nil {
		return d.sendError(playerID, "join_failed", err.Error())
	}
	switch result {
	case matchmaker.JoinOK:
		d.hub.joinRoom(ctx, connID, p.MatchID, playerID)
		out, encErr := wsproto.Encode(wsproto.EvtPlayerJoined, p.MatchID, 0, wsproto.PlayerJoinedPayload{Player: model.Player{PlayerID: playerID}})
		if encErr == nil {
			d.hub.Broadcast(ctx, p.MatchID, out)
		}
		return nil
	case matchmaker.JoinFull:
		return d.sendError(playerID, "match_full", "match is at capacity")
	case matchmaker.JoinNotFound:
		return d.sendError(playerID, "not_found", "match not found")
	case matchmaker.JoinPrivateDenied:
		return d.sendError(playerID, "private_denied", "this lobby requires an invite")
	}
	return nil
}

func (d *Dispatcher) handleSubmitSolution(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.SubmitSolutionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	rt, ok := d.hub.lookup.Lookup(p.MatchID)
	if !ok {
		return d.sendError(playerID, "not_hosted", "match is not hosted by this instance")
	}
	if err := rt.SubmitSolution(ctx, playerID, p.RoundIndex, p.Code, p.Language); err != nil {
		return d.sendError(playerID, "submit_failed", err.Error())
	}
	return nil
}

func (d *Dispatcher) handleSpectateGame(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.MatchScopedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	rt, ok := d.hub.lookup.Lookup(p.MatchID)
	if !ok {
		return d.sendError(playerID, "not_hosted", "match is not hosted by this instance")
	}
	if err := rt.Spectate(ctx, playerID); err != nil {
		return d.sendError(playerID, "spectate_failed", err.Error())
	}
	d.hub.joinRoom(ctx, connID, p.MatchID, playerID)
	return nil
}

func (d *Dispatcher) handleGetGameState(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	var p wsproto.MatchScopedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	rt, ok := d.hub.lookup.Lookup(p.MatchID)
	if !ok {
		return d.sendError(playerID, "not_hosted", "match is not hosted by this instance")
	}
	snap, err := rt.Resync(ctx, playerID)
	if err != nil {
		return d.sendError(playerID, "resync_failed", err.Error())
	}
	out, err := wsproto.Encode(wsproto.EvtResync, p.MatchID, snap.Version, wsproto.ResyncPayload{Snapshot: snap})
	if err != nil {
		return err
	}
	return d.hub.Whisper(ctx, p.MatchID, playerID, out)
}

func (d *Dispatcher) handleSendChatMessage(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	if !d.allow(connID) {
		return d.sendError(playerID, "rate_limited", "too many chat messages")
	}
	var p wsproto.SendChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	rt, ok := d.hub.lookup.Lookup(p.MatchID)
	if !ok {
		return d.sendError(playerID, "not_hosted", "match is not hosted by this instance")
	}
	if err := rt.SendChatMessage(ctx, playerID, p.Text); err != nil {
		return d.sendError(playerID, "chat_failed", err.Error())
	}
	return nil
}

func (d *Dispatcher) handleUserTyping(ctx context.Context, connID, playerID string, env wsproto.Envelope) error {
	if !d.allow(connID) {
		return d.sendError(playerID, "rate_limited", "too many typing events")
	}
	var p wsproto.UserTypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return d.sendError(playerID, "bad_payload", err.Error())
	}
	out, err := wsproto.Encode(wsproto.EvtUserTyping, p.MatchID, 0, wsproto.UserTypingEventPayload{From: playerID, IsTyping: p.IsTyping})
	if err != nil {
		return err
	}
	return d.hub.Broadcast(ctx, p.MatchID, out)
}

func (d *Dispatcher) allow(connID string) bool {
	d.hub.mu.RLock()
	c, ok := d.hub.connsByID[connID]
	d.hub.mu.RUnlock()
	if !ok {
		return false
	}
	return c.limiter.Allow()
}

func (d *Dispatcher) sendError(playerID, code, message string) error {
	env, err := wsproto.Encode(wsproto.EvtError, "", 0, wsproto.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	d.hub.mu.RLock()
	conns := d.hub.connsByPlayer[playerID]
	d.hub.mu.RUnlock()
	for connID := range conns {
		d.hub.mu.RLock()
		c, ok := d.hub.connsByID[connID]
		d.hub.mu.RUnlock()
		if ok {
			c.writeEnvelope(env)
		}
	}
	if d.log != nil {
		d.log.Debug("sent error to player", zap.String("player_id", playerID), zap.String("code", code))
	}
	return nil
}
