// Package matchmaker runs the single long-running actor that pairs queued
// players into new matches and fronts the custom-lobby directory, grounded
// in the teacher's ChallengeWrapper lifecycle (NewChallenge, JoinChallenge,
// ListOpenChallenges) generalized from a single global map into
// per-(mode, rating bucket) FIFO queues.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
)

var (
	ErrMatchFull       = errors.New("matchmaker: match is full")
	ErrMatchNotFound   = errors.New("matchmaker: match not found")
	ErrPrivateDenied   = errors.New("matchmaker: private lobby denied")
	ErrTicketNotFound  = errors.New("matchmaker: ticket not found")
	ErrAlreadyPaired   = errors.New("matchmaker: ticket already paired")
	ErrPendingNotFound = errors.New("matchmaker: pending pairing not found")
	ErrNotInPending    = errors.New("matchmaker: player not part of that pending pairing")
)

// Creator is how the Matchmaker hands a paired group off to the Supervisor,
// which owns spawning the MatchRuntime actor and recording ownership in
// StateStore.
type Creator interface {
	CreateMatch(ctx context.Context, mode model.MatchMode, players []model.Player, config model.MatchConfig, ownerPlayerID string) (matchID string, err error)
}

// Outcome is delivered on a ticket's channel. A candidate pairing first
// delivers one prompt Outcome with RequiresConfirm set, then one terminal
// Outcome (either a MatchID or Cancelled) once the confirmation window
// resolves. A ticket that confirmed but is requeued because too few others
// confirmed gets no terminal Outcome for that pairing; it gets a new prompt
// when it is paired again.
type Outcome struct {
	RequiresConfirm bool
	PendingID       string
	ConfirmBy       time.Time

	MatchID   string
	Cancelled bool
	Reason    string
}

// Ticket represents one player's place in a FIFO queue.
type Ticket struct {
	TicketID   string
	PlayerID   string
	Mode       model.MatchMode
	Rating     int
	EnqueuedAt time.Time
	outcome    chan Outcome
}

// Config tunes the pairing and fill-deadline behavior.
type Config struct {
	BucketWidenStep     int
	BucketWidenInterval time.Duration
	BucketWidenMax      int
	NPlayerFillDeadline time.Duration
	ConfirmationWindow  time.Duration
	TickInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BucketWidenStep:     50,
		BucketWidenInterval: 5 * time.Second,
		BucketWidenMax:      500,
		NPlayerFillDeadline: 30 * time.Second,
		ConfirmationWindow:  10 * time.Second,
		TickInterval:        1 * time.Second,
	}
}

// nPlayerModes lists modes that queue by group size rather than by pair.
var nPlayerModes = map[model.MatchMode]int{
	model.ModeTrivia: 4,
	model.ModeDebug:  4,
}

// ratingBucket floors rating to the nearest 100 for the persisted queue
// key; the in-process pairing widens across buckets on its own, this only
// keys the mirror for external visibility.
func ratingBucket(rating int) int {
	return (rating / 100) * 100
}

func queueKey(mode model.MatchMode, rating int) string {
	return fmt.Sprintf("queue:%s:%d", mode, ratingBucket(rating))
}

// unpersistTickets removes the given tickets' mirrored entries from
// StateStore once they leave the FIFO queue to become pairing candidates.
func (m *Matchmaker) unpersistTickets(ctx context.Context, mode model.MatchMode, tickets []*Ticket) {
	if m.ss == nil {
		return
	}
	for _, t := range tickets {
		if err := m.ss.ZRem(ctx, queueKey(mode, t.Rating), t.TicketID); err != nil && m.log != nil {
			m.log.Warn("clear persisted queue entry failed", zap.String("ticket_id", t.TicketID), zap.Error(err))
		}
	}
}

type queueEntry struct {
	ticket *Ticket
}

type customLobby struct {
	matchID string
	owner   model.Player
	config  model.MatchConfig
	players []model.Player
}

// Matchmaker is the actor: all queue/lobby mutation happens on its run
// goroutine via the mailbox, so no locking is needed around queue state.
// The in-process queues map is authoritative for pairing; ss mirrors every
// enqueue/dequeue into the queue:{mode}:{bucket} sorted sets spec.md names
// so an operator can inspect queue depth externally and a crashed
// instance's abandoned tickets are visible for the next one to reap.
type Matchmaker struct {
	clock   clock.Source
	creator Creator
	ss      statestore.Store
	mtr     *metrics.Metrics
	cfg     Config
	log     *zap.Logger

	mailbox chan func()
	stop    chan struct{}

	queues  map[model.MatchMode][]*queueEntry
	lobbies map[string]*customLobby

	pendingConfirm map[string]*pendingPair

	lastReconcile time.Time
}

// reconcileInterval throttles reconcilePersistedQueue: it costs one ZRange
// per active rating bucket, so it does not need to run every tick.
const reconcileInterval = 30 * time.Second

type pendingPair struct {
	pendingID string
	mode      model.MatchMode
	tickets   []*Ticket
	confirmBy time.Time
	confirmed map[string]bool
}

func New(clk clock.Source, creator Creator, ss statestore.Store, mtr *metrics.Metrics, cfg Config, log *zap.Logger) *Matchmaker {
	m := &Matchmaker{
		clock:          clk,
		creator:        creator,
		ss:             ss,
		mtr:            mtr,
		cfg:            cfg,
		log:            log,
		mailbox:        make(chan func(), 256),
		stop:           make(chan struct{}),
		queues:         make(map[model.MatchMode][]*queueEntry),
		lobbies:        make(map[string]*customLobby),
		pendingConfirm: make(map[string]*pendingPair),
	}
	return m
}

// Run processes the mailbox until ctx is cancelled. Call it from one
// goroutine; every public method enqueues a closure rather than touching
// state directly.
func (m *Matchmaker) Run(ctx context.Context) {
	m.scheduleTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.mailbox:
			fn()
		}
	}
}

func (m *Matchmaker) scheduleTick(ctx context.Context) {
	m.clock.AfterFunc(m.cfg.TickInterval, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case m.mailbox <- func() { m.tick(ctx) }:
		case <-ctx.Done():
			return
		}
		m.scheduleTick(ctx)
	})
}

func (m *Matchmaker) tick(ctx context.Context) {
	now := m.clock.Now()
	if m.mtr != nil {
		for mode, entries := range m.queues {
			m.mtr.MatchmakingQueueDepth.WithLabelValues(string(mode)).Set(float64(len(entries)))
		}
	}
	for mode, entries := range m.queues {
		if n, ok := nPlayerModes[mode]; ok {
			m.tryFillGroup(ctx, mode, n, now)
			continue
		}
		m.tryPairs(ctx, mode, entries, now)
	}
	m.checkConfirmations(ctx, now)

	if m.ss != nil && now.Sub(m.lastReconcile) >= reconcileInterval {
		m.lastReconcile = now
		for mode, entries := range m.queues {
			m.reconcilePersistedQueue(ctx, mode, entries)
		}
	}
}

// reconcilePersistedQueue cross-checks the persisted mirror of every rating
// bucket that holds at least one live in-memory ticket and purges anything
// persisted there with no live ticket behind it; a bucket with no live
// ticket is not examined. That drift only arises when a sibling instance
// ZAdd'd a ticket and crashed before it could ZRem or ZPopMinIf it back
// out, since this process's own enqueue/dequeue paths always do both sides
// together.
func (m *Matchmaker) reconcilePersistedQueue(ctx context.Context, mode model.MatchMode, entries []*queueEntry) {
	live := make(map[string]map[string]bool)
	for _, e := range entries {
		key := queueKey(mode, e.ticket.Rating)
		if live[key] == nil {
			live[key] = make(map[string]bool)
		}
		live[key][e.ticket.TicketID] = true
	}

	for key, liveIDs := range live {
		persisted, err := m.ss.ZRange(ctx, key, 0, 200)
		if err != nil {
			if m.log != nil {
				m.log.Warn("reconcile: zrange failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		for _, entry := range persisted {
			if liveIDs[entry.Member] {
				continue
			}
			member := entry.Member
			_, purged, err := m.ss.ZPopMinIf(ctx, key, func(candidate string, _ float64) bool { return candidate == member })
			if err != nil && m.log != nil {
				m.log.Warn("reconcile: purge orphan failed", zap.String("key", key), zap.String("ticket_id", member), zap.Error(err))
				continue
			}
			if purged && m.log != nil {
				m.log.Info("reconcile: purged orphaned queue entry", zap.String("key", key), zap.String("ticket_id", member))
			}
		}
	}
}

// FindMatch enqueues a ticket and returns immediately; pairing happens
// asynchronously and the result is delivered on the returned channel.
func (m *Matchmaker) FindMatch(ctx context.Context, player model.Player, mode model.MatchMode) (*Ticket, <-chan Outcome, error) {
	ticket := &Ticket{
		TicketID:   uuid.New().String(),
		PlayerID:   player.PlayerID,
		Mode:       mode,
		Rating:     player.Rating,
		EnqueuedAt: m.clock.Now(),
		outcome:    make(chan Outcome, 2),
	}

	done := make(chan struct{})
	select {
	case m.mailbox <- func() {
		m.queues[mode] = append(m.queues[mode], &queueEntry{ticket: ticket})
		if m.ss != nil {
			if err := m.ss.ZAdd(ctx, queueKey(mode, ticket.Rating), float64(ticket.EnqueuedAt.UnixNano()), ticket.TicketID); err != nil && m.log != nil {
				m.log.Warn("persist queue entry failed", zap.String("ticket_id", ticket.TicketID), zap.Error(err))
			}
		}
		close(done)
	}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	<-done
	return ticket, ticket.outcome, nil
}

// Cancel removes a ticket from its queue; a no-op if it already paired.
func (m *Matchmaker) Cancel(ctx context.Context, ticketID string) error {
	result := make(chan error, 1)
	select {
	case m.mailbox <- func() {
		for mode, entries := range m.queues {
			for i, e := range entries {
				if e.ticket.TicketID == ticketID {
					m.queues[mode] = append(entries[:i], entries[i+1:]...)
					if m.ss != nil {
						key := queueKey(mode, e.ticket.Rating)
						if _, _, err := m.ss.ZPopMinIf(ctx, key, func(member string, _ float64) bool { return member == ticketID }); err != nil && m.log != nil {
							m.log.Warn("clear persisted queue entry failed", zap.String("ticket_id", ticketID), zap.Error(err))
						}
					}
					e.ticket.outcome <- Outcome{Cancelled: true, Reason: "cancelled"}
					result <- nil
					return
				}
			}
		}
		result <- ErrTicketNotFound
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

// CreateCustom allocates a match in waiting and records it in the lobby
// directory, returning the match id immediately.
func (m *Matchmaker) CreateCustom(ctx context.Context, owner model.Player, config model.MatchConfig) (string, error) {
	result := make(chan struct {
		id  string
		err error
	}, 1)

	select {
	case m.mailbox <- func() {
		matchID, err := m.creator.CreateMatch(ctx, model.ModeCustom, []model.Player{owner}, config, owner.PlayerID)
		if err != nil {
			result <- struct {
				id  string
				err error
			}{"", err}
			return
		}
		m.lobbies[matchID] = &customLobby{matchID: matchID, owner: owner, config: config, players: []model.Player{owner}}
		result <- struct {
			id  string
			err error
		}{matchID, nil}
	}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r := <-result
	return r.id, r.err
}

// JoinResult is the outcome of JoinCustom.
type JoinResult string

const (
	JoinOK             JoinResult = "ok"
	JoinFull           JoinResult = "full"
	JoinNotFound       JoinResult = "not_found"
	JoinPrivateDenied  JoinResult = "private_denied"
)

// JoinCustom atomically checks capacity and privacy before adding a player.
func (m *Matchmaker) JoinCustom(ctx context.Context, player model.Player, matchID string) (JoinResult, error) {
	result := make(chan JoinResult, 1)
	select {
	case m.mailbox <- func() {
		lobby, ok := m.lobbies[matchID]
		if !ok {
			result <- JoinNotFound
			return
		}
		if lobby.config.IsPrivate {
			if _, allowed := lobby.config.InvitedSpectatorIDs[player.PlayerID]; !allowed && lobby.owner.PlayerID != player.PlayerID {
				result <- JoinPrivateDenied
				return
			}
		}
		if len(lobby.players) >= lobby.config.MaxPlayers {
			result <- JoinFull
			return
		}
		lobby.players = append(lobby.players, player)
		result <- JoinOK
	}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return <-result, nil
}

// bucketWidth returns the rating window half-width after waiting `wait`,
// widening by cfg.BucketWidenStep every cfg.BucketWidenInterval, capped at
// cfg.BucketWidenMax.
func (c Config) bucketWidth(wait time.Duration) int {
	steps := int(wait / c.BucketWidenInterval)
	width := c.BucketWidenStep * (steps + 1)
	if width > c.BucketWidenMax {
		return c.BucketWidenMax
	}
	return width
}

func (m *Matchmaker) tryPairs(ctx context.Context, mode model.MatchMode, entries []*queueEntry, now time.Time) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ticket.EnqueuedAt.Before(entries[j].ticket.EnqueuedAt)
	})

	used := make(map[int]bool)
	var remaining []*queueEntry
	for i := 0; i < len(entries); i++ {
		if used[i] {
			continue
		}
		a := entries[i]
		waitA := now.Sub(a.ticket.EnqueuedAt)
		bucketA := m.cfg.bucketWidth(waitA)

		paired := false
		for j := i + 1; j < len(entries); j++ {
			if used[j] {
				continue
			}
			b := entries[j]
			waitB := now.Sub(b.ticket.EnqueuedAt)
			bucket := bucketA
			if wb := m.cfg.bucketWidth(waitB); wb > bucket {
				bucket = wb
			}
			diff := a.ticket.Rating - b.ticket.Rating
			if diff < 0 {
				diff = -diff
			}
			if diff <= bucket {
				used[i] = true
				used[j] = true
				m.pairFound(ctx, mode, []*Ticket{a.ticket, b.ticket}, now)
				paired = true
				break
			}
		}
		if !paired {
			remaining = append(remaining, a)
		}
	}
	m.queues[mode] = remaining
}

func (m *Matchmaker) tryFillGroup(ctx context.Context, mode model.MatchMode, n int, now time.Time) {
	entries := m.queues[mode]
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ticket.EnqueuedAt.Before(entries[j].ticket.EnqueuedAt)
	})

	if len(entries) == 0 {
		return
	}
	oldestWait := now.Sub(entries[0].ticket.EnqueuedAt)

	if len(entries) >= n {
		group := entries[:n]
		m.queues[mode] = entries[n:]
		tickets := make([]*Ticket, len(group))
		for i, e := range group {
			tickets[i] = e.ticket
		}
		m.pairFound(ctx, mode, tickets, now)
		return
	}

	if oldestWait >= m.cfg.NPlayerFillDeadline && len(entries) >= 2 {
		m.queues[mode] = nil
		tickets := make([]*Ticket, len(entries))
		for i, e := range entries {
			tickets[i] = e.ticket
		}
		m.pairFound(ctx, mode, tickets, now)
	}
}

// pairFound registers a candidate pairing and prompts every ticket to
// confirm; no match is created and no player is told match_found until
// confirmation resolves, per spec's confirmation-window requirement.
func (m *Matchmaker) pairFound(ctx context.Context, mode model.MatchMode, tickets []*Ticket, now time.Time) {
	m.unpersistTickets(ctx, mode, tickets)
	if m.mtr != nil {
		for _, t := range tickets {
			m.mtr.MatchmakingWaitTime.WithLabelValues(string(mode)).Observe(now.Sub(t.EnqueuedAt).Seconds())
		}
	}

	pendingID := uuid.New().String()
	confirmBy := now.Add(m.cfg.ConfirmationWindow)

	pair := &pendingPair{
		pendingID: pendingID,
		mode:      mode,
		tickets:   tickets,
		confirmBy: confirmBy,
		confirmed: make(map[string]bool),
	}
	m.pendingConfirm[pendingID] = pair

	for _, t := range tickets {
		t.outcome <- Outcome{RequiresConfirm: true, PendingID: pendingID, ConfirmBy: confirmBy}
	}
}

// finalizePair creates the real match for the given (already-confirmed)
// tickets and delivers the terminal outcome. It is called both when every
// ticket confirms early and when the confirmation window expires with
// enough confirmations to proceed.
func (m *Matchmaker) finalizePair(ctx context.Context, mode model.MatchMode, tickets []*Ticket) {
	players := make([]model.Player, len(tickets))
	for i, t := range tickets {
		players[i] = model.Player{PlayerID: t.PlayerID, Rating: t.Rating}
	}

	matchID, err := m.creator.CreateMatch(ctx, mode, players, model.MatchConfig{MaxPlayers: len(players)}, "")
	if err != nil {
		for _, t := range tickets {
			t.outcome <- Outcome{Cancelled: true, Reason: fmt.Sprintf("create_match: %v", err)}
		}
		return
	}
	for _, t := range tickets {
		t.outcome <- Outcome{MatchID: matchID}
	}
}

// Confirm marks a player as ready within the confirmation window. Once
// every ticket in the pairing has confirmed, the match is created
// immediately rather than waiting out the rest of the window.
func (m *Matchmaker) Confirm(ctx context.Context, pendingID, playerID string) error {
	done := make(chan error, 1)
	select {
	case m.mailbox <- func() {
		pair, ok := m.pendingConfirm[pendingID]
		if !ok {
			done <- ErrPendingNotFound
			return
		}
		found := false
		for _, t := range pair.tickets {
			if t.PlayerID == playerID {
				found = true
				break
			}
		}
		if !found {
			done <- ErrNotInPending
			return
		}
		pair.confirmed[playerID] = true
		if len(pair.confirmed) == len(pair.tickets) {
			delete(m.pendingConfirm, pendingID)
			m.finalizePair(ctx, pair.mode, pair.tickets)
		}
		done <- nil
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-done
}

// checkConfirmations sweeps pending pairings whose window has expired:
// unconfirmed tickets are cancelled, and if at least two tickets did
// confirm the match proceeds with just them; otherwise the confirmed
// tickets are re-queued at the head of their mode's queue.
func (m *Matchmaker) checkConfirmations(ctx context.Context, now time.Time) {
	for pendingID, pair := range m.pendingConfirm {
		if now.Before(pair.confirmBy) {
			continue
		}
		delete(m.pendingConfirm, pendingID)

		var confirmed, unconfirmed []*Ticket
		for _, t := range pair.tickets {
			if pair.confirmed[t.PlayerID] {
				confirmed = append(confirmed, t)
			} else {
				unconfirmed = append(unconfirmed, t)
			}
		}
		for _, t := range unconfirmed {
			t.outcome <- Outcome{Cancelled: true, Reason: "confirmation_timeout"}
		}

		if len(confirmed) >= 2 {
			m.finalizePair(ctx, pair.mode, confirmed)
			continue
		}
		for _, t := range confirmed {
			t.EnqueuedAt = now.Add(-24 * time.Hour) // head-of-queue priority
			m.queues[pair.mode] = append([]*queueEntry{{ticket: t}}, m.queues[pair.mode]...)
			if m.ss != nil {
				if err := m.ss.ZAdd(ctx, queueKey(pair.mode, t.Rating), float64(t.EnqueuedAt.UnixNano()), t.TicketID); err != nil && m.log != nil {
					m.log.Warn("re-persist requeued ticket failed", zap.String("ticket_id", t.TicketID), zap.Error(err))
				}
			}
		}
	}
}
