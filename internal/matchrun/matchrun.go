// Package matchrun implements the MatchRuntime state machine: one actor
// per match driving rounds, deadlines, submission intake, grading dispatch
// and scoring. Every match is single-writer; the process runs many
// concurrently, one Runtime goroutine each. Grounded in the teacher's
// ChallengeWrapper (internal/service/challenge.go) state machine, expanded
// from its fixed two-phase flow into the full round lifecycle spec.md
// describes.
package matchrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/leaderboard"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/problemrepo"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
	"github.com/lijuuu/ArenaMatchCore/internal/wsproto"
)

var (
	ErrRoundNotOpen       = errors.New("matchrun: round is not open")
	ErrLanguageNotAllowed = errors.New("matchrun: language not in whitelist")
	ErrSubmissionInvalid  = errors.New("matchrun: submission invalid")
	ErrNotOwner           = errors.New("matchrun: caller is not the match owner")
	ErrMatchTerminal      = errors.New("matchrun: match already terminal")
	ErrPlayerNotInMatch   = errors.New("matchrun: player is not in this match")
	ErrShuttingDown       = errors.New("matchrun: runtime is shutting down")
	ErrNotEnoughPlayers   = errors.New("matchrun: not enough players to start")
	ErrPrivateDenied      = errors.New("matchrun: spectating this match requires an invite")
)

// Broadcaster fans a match-scoped event out to the SessionHub's room for
// that match. The runtime never talks to connections directly.
type Broadcaster interface {
	Broadcast(ctx context.Context, matchID string, env wsproto.Envelope) error
	Whisper(ctx context.Context, matchID, playerID string, env wsproto.Envelope) error
}

// Config carries the tunables from spec.md §6 a Runtime needs.
type Config struct {
	StartingCountdown       time.Duration
	AutoStartTimeout        time.Duration
	GraceDisconnect         time.Duration
	GradingTimeBudget       time.Duration
	RetentionWindow         time.Duration
	MaxSubmissionLength     int
}

func DefaultConfig() Config {
	return Config{
		StartingCountdown:   3 * time.Second,
		AutoStartTimeout:    10 * time.Second,
		GraceDisconnect:     60 * time.Second,
		GradingTimeBudget:   30 * time.Second,
		RetentionWindow:     5 * time.Minute,
		MaxSubmissionLength: 64 * 1024,
	}
}

// Runtime owns one Match for its entire lifecycle.
type Runtime struct {
	cfg    Config
	match  *model.Match
	clock  clock.Source
	grader grader.Grader
	ss     statestore.Store
	persist store.Store
	problems problemrepo.Repository
	bc     Broadcaster
	board  *leaderboard.Manager
	mtr    *metrics.Metrics
	log    *zap.Logger

	mailbox chan func(ctx context.Context)
	done    chan struct{}

	startedMetric bool

	lastPersistedVersion uint64
	readySet             map[string]bool
	seenProblems         map[string]struct{}
	chatHistory          []wsproto.ChatMessagePayload

	terminal bool
	runCtx   context.Context
}

func New(cfg Config, match *model.Match, clk clock.Source, g grader.Grader, ss statestore.Store, persist store.Store, problems problemrepo.Repository, bc Broadcaster, board *leaderboard.Manager, mtr *metrics.Metrics, log *zap.Logger) *Runtime {
	return &Runtime{
		cfg:          cfg,
		match:        match,
		clock:        clk,
		grader:       g,
		ss:           ss,
		persist:      persist,
		problems:     problems,
		bc:           bc,
		board:        board,
		mtr:          mtr,
		log:          log,
		mailbox:      make(chan func(ctx context.Context), 256),
		done:         make(chan struct{}),
		readySet:     make(map[string]bool),
		seenProblems: make(map[string]struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled or the match reaches a
// terminal status and resources are released.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)
	r.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			r.handleShutdown(ctx, "shutdown")
			return
		case fn := <-r.mailbox:
			fn(ctx)
			if r.terminal {
				return
			}
		}
	}
}

func (r *Runtime) enqueue(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case r.mailbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrShuttingDown
	}
}

// call enqueues fn and blocks until it has run, returning whatever error fn
// reports through the closure. If the runtime stops before fn runs, call
// returns ErrShuttingDown.
func (r *Runtime) call(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	err := r.enqueue(ctx, func(ctx context.Context) { result <- fn(ctx) })
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// --- public command API, each a mailbox round-trip ---

func (r *Runtime) Ready(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleReady(ctx, playerID) })
}

func (r *Runtime) StartGame(ctx context.Context, ownerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleStartGame(ctx, ownerID) })
}

func (r *Runtime) SubmitSolution(ctx context.Context, playerID string, roundIndex int, code, language string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.handleSubmitSolution(ctx, playerID, roundIndex, code, language)
	})
}

func (r *Runtime) Forfeit(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleForfeit(ctx, playerID, "forfeit") })
}

func (r *Runtime) Disconnect(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleDisconnect(ctx, playerID) })
}

func (r *Runtime) Reconnect(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleReconnect(ctx, playerID) })
}

func (r *Runtime) OwnerCancel(ctx context.Context, ownerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleOwnerCancel(ctx, ownerID) })
}

func (r *Runtime) SendChatMessage(ctx context.Context, playerID, text string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleChatMessage(ctx, playerID, text) })
}

// Spectate adds playerID to the spectator room, subject to the private-
// lobby allow-list check.
func (r *Runtime) Spectate(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleSpectate(ctx, playerID) })
}

func (r *Runtime) StopSpectating(ctx context.Context, playerID string) error {
	return r.call(ctx, func(ctx context.Context) error { return r.handleStopSpectating(ctx, playerID) })
}

func (r *Runtime) Resync(ctx context.Context, playerID string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := r.call(ctx, func(ctx context.Context) error {
		if !r.isParticipant(playerID) {
			return ErrPlayerNotInMatch
		}
		snap = r.buildSnapshot()
		if r.board != nil {
			if ranks, err := r.board.Standings(r.match.MatchID, 0); err == nil {
				snap.Ranks = make(map[string]int, len(ranks))
				for _, entry := range ranks {
					snap.Ranks[entry.PlayerID] = entry.Rank
				}
			} else if r.log != nil {
				r.log.Warn("leaderboard standings failed", zap.Error(err))
			}
		}
		return nil
	})
	return snap, err
}

func (r *Runtime) isParticipant(playerID string) bool {
	for _, p := range r.match.Players {
		if p.PlayerID == playerID {
			return true
		}
	}
	for _, p := range r.match.Spectators {
		if p.PlayerID == playerID {
			return true
		}
	}
	return false
}

func (r *Runtime) buildSnapshot() model.Snapshot {
	m := r.match
	snap := model.Snapshot{
		MatchID: m.MatchID,
		Mode:    m.Mode,
		Status:  m.Status,
		Cursor:  m.Cursor,
		Version: m.Version,
		Players: append([]model.Player{}, m.Players...),
		Scores:  map[string]int{},
	}
	for _, round := range m.Rounds {
		for playerID, score := range round.Scores {
			snap.Scores[playerID] += score
		}
	}
	if m.Cursor < len(m.Rounds) {
		round := m.Rounds[m.Cursor]
		snap.CurrentRound = &model.RoundSnapshot{
			RoundIndex: round.RoundIndex,
			Problem:    round.Problem,
			DeadlineAt: round.DeadlineAt,
			Status:     round.Status,
		}
	}
	return snap
}

func marshalSnapshot(snap model.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func (r *Runtime) persistSnapshot(ctx context.Context) error {
	snap := r.buildSnapshot()
	data, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("matchrun: marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("match:%s", r.match.MatchID)
	newVersion, err := r.ss.CASSet(ctx, key, r.lastPersistedVersion, data)
	if err != nil {
		if errors.Is(err, statestore.ErrConflict) {
			r.log.Warn("version conflict persisting snapshot, self-cancelling", zap.String("match_id", r.match.MatchID))
			r.cancelMatch(ctx, "internal")
			return err
		}
		return fmt.Errorf("matchrun: persist snapshot: %w", err)
	}
	r.lastPersistedVersion = newVersion
	return nil
}

func (r *Runtime) bumpAndPersist(ctx context.Context) {
	r.match.Bump()
	if err := r.persistSnapshot(ctx); err != nil && r.log != nil {
		r.log.Error("persist snapshot failed", zap.Error(err))
	}
}

func validateSubmission(code, language string, whitelist []string, maxLen int) error {
	if len(code) == 0 || len(code) > maxLen {
		return ErrSubmissionInvalid
	}
	if !utf8.ValidString(code) {
		return ErrSubmissionInvalid
	}
	for _, r := range code {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return ErrSubmissionInvalid
		}
	}
	if len(whitelist) == 0 {
		return nil
	}
	for _, l := range whitelist {
		if l == language {
			return nil
		}
	}
	return ErrLanguageNotAllowed
}

func newSubmissionID() string {
	return uuid.New().String()
}
