// Package supervisor owns the map from match_id to its MatchRuntime
// mailbox, spawning one runtime task per match and watching it for panics.
// Grounded in the teacher's service.ChallengeWrapper registry
// (internal/service/challenge.go: the global `challenges` map guarded by
// `challengeMu`, with `currentMatches`/`matchesMu` enforcing
// ErrMatchLimitReached) generalized from a package-level singleton into an
// injectable Supervisor that also implements matchmaker.Creator.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lijuuu/ArenaMatchCore/internal/clock"
	"github.com/lijuuu/ArenaMatchCore/internal/grader"
	"github.com/lijuuu/ArenaMatchCore/internal/leaderboard"
	"github.com/lijuuu/ArenaMatchCore/internal/matchrun"
	"github.com/lijuuu/ArenaMatchCore/internal/metrics"
	"github.com/lijuuu/ArenaMatchCore/internal/model"
	"github.com/lijuuu/ArenaMatchCore/internal/problemrepo"
	"github.com/lijuuu/ArenaMatchCore/internal/statestore"
	"github.com/lijuuu/ArenaMatchCore/internal/store"
)

var ErrMatchLimitReached = errors.New("supervisor: maximum concurrent matches reached")

// Config carries the Supervisor's own tunables plus the Config every
// spawned Runtime is constructed with.
type Config struct {
	InstanceID           string
	MaxConcurrentMatches int
	RuntimeConfig        matchrun.Config
	MaintenanceInterval  time.Duration
}

func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:           instanceID,
		MaxConcurrentMatches: 500,
		RuntimeConfig:        matchrun.DefaultConfig(),
		MaintenanceInterval:  time.Minute,
	}
}

// handle is what the Supervisor keeps per live match: the Runtime itself
// plus the cancel func for its Run(ctx) goroutine.
type handle struct {
	runtime *matchrun.Runtime
	cancel  context.CancelFunc
	done    <-chan struct{}
}

// Supervisor implements matchmaker.Creator: the Matchmaker (or a custom-
// lobby create) calls CreateMatch and gets back a match_id backed by a
// running MatchRuntime task.
type Supervisor struct {
	mu      sync.RWMutex
	matches map[string]*handle

	cfg      Config
	clock    clock.Source
	grader   grader.Grader
	ss       statestore.Store
	persist  store.Store
	problems problemrepo.Repository
	bc       matchrun.Broadcaster
	board    *leaderboard.Manager
	mtr      *metrics.Metrics
	log      *zap.Logger

	scheduler gocron.Scheduler
	rootCtx   context.Context
	rootStop  context.CancelFunc
}

func New(cfg Config, clk clock.Source, g grader.Grader, ss statestore.Store, persist store.Store, problems problemrepo.Repository, bc matchrun.Broadcaster, board *leaderboard.Manager, mtr *metrics.Metrics, log *zap.Logger) *Supervisor {
	return &Supervisor{
		matches:  make(map[string]*handle),
		cfg:      cfg,
		clock:    clk,
		grader:   g,
		ss:       ss,
		persist:  persist,
		problems: problems,
		bc:       bc,
		board:    board,
		mtr:      mtr,
		log:      log,
	}
}

// SetBroadcaster wires the SessionHub in after construction, since the Hub
// itself needs a MatchLookup (the Supervisor) to build and the two cannot
// be constructed in the same statement.
func (s *Supervisor) SetBroadcaster(bc matchrun.Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bc = bc
}

// Run starts the Supervisor's background maintenance scheduler and blocks
// until ctx is cancelled, at which point every live match is sent a
// shutdown signal and this call returns once they have all drained.
func (s *Supervisor) Run(ctx context.Context) error {
	s.rootCtx, s.rootStop = context.WithCancel(ctx)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("supervisor: new scheduler: %w", err)
	}
	s.scheduler = sched

	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.MaintenanceInterval),
		gocron.NewTask(s.runMaintenance),
	)
	if err != nil {
		return fmt.Errorf("supervisor: schedule maintenance: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	<-s.rootCtx.Done()
	s.shutdownAll()
	return nil
}

// CreateMatch satisfies matchmaker.Creator. It builds the Match aggregate,
// spawns its owning Runtime goroutine and records the process that now
// owns it in StateStore so any SessionHub instance can route to it.
func (s *Supervisor) CreateMatch(ctx context.Context, mode model.MatchMode, players []model.Player, config model.MatchConfig, ownerPlayerID string) (string, error) {
	s.mu.Lock()
	if len(s.matches) >= s.cfg.MaxConcurrentMatches {
		s.mu.Unlock()
		return "", ErrMatchLimitReached
	}
	s.mu.Unlock()

	matchID := uuid.New().String()
	rounds := config.RoundCount
	if rounds <= 0 {
		rounds = 1
	}
	match := &model.Match{
		MatchID:       matchID,
		Mode:          mode,
		Config:        config,
		OwnerPlayerID: ownerPlayerID,
		Players:       append([]model.Player{}, players...),
		Rounds:        make([]model.Round, rounds),
		Status:        model.StatusWaiting,
		CreatedAt:     s.clock.Now(),
	}
	for i := range match.Rounds {
		match.Rounds[i].RoundIndex = i
	}

	var runtimeLog *zap.Logger
	if s.log != nil {
		runtimeLog = s.log.With(zap.String("match_id", matchID))
	}
	runtime := matchrun.New(s.cfg.RuntimeConfig, match, s.clock, s.grader, s.ss, s.persist, s.problems, s.bc, s.board, s.mtr, runtimeLog)

	runCtx, cancel := context.WithCancel(s.runCtxOrBackground(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.matches[matchID] = &handle{runtime: runtime, cancel: cancel, done: done}
	s.mu.Unlock()

	if err := s.recordOwnership(ctx, matchID); err != nil && s.log != nil {
		s.log.Warn("record match ownership failed", zap.String("match_id", matchID), zap.Error(err))
	}

	go s.superviseOne(runCtx, matchID, runtime, done)

	return matchID, nil
}

func (s *Supervisor) runCtxOrBackground(ctx context.Context) context.Context {
	if s.rootCtx != nil {
		return s.rootCtx
	}
	return ctx
}

// superviseOne drives one Runtime's Run loop and recovers from a panic
// inside it, since a single misbehaving match must never take down the
// process or the matches sharing it.
func (s *Supervisor) superviseOne(ctx context.Context, matchID string, runtime *matchrun.Runtime, done chan struct{}) {
	defer close(done)
	defer s.forget(matchID)
	defer func() {
		if rec := recover(); rec != nil && s.log != nil {
			s.log.Error("match runtime panicked", zap.String("match_id", matchID), zap.Any("recover", rec))
		}
	}()
	runtime.Run(ctx)
}

func (s *Supervisor) forget(matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, matchID)
}

// Lookup returns the Runtime owning matchID if this process hosts it.
func (s *Supervisor) Lookup(matchID string) (*matchrun.Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.matches[matchID]
	if !ok {
		return nil, false
	}
	return h.runtime, true
}

// Count reports the number of matches currently hosted by this process.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

func (s *Supervisor) recordOwnership(ctx context.Context, matchID string) error {
	key := fmt.Sprintf("match:%s:owner", matchID)
	_, err := s.ss.CASSet(ctx, key, 0, []byte(s.cfg.InstanceID))
	return err
}

func (s *Supervisor) shutdownAll() {
	s.mu.RLock()
	handles := make(map[string]*handle, len(s.matches))
	for id, h := range s.matches {
		handles[id] = h
	}
	s.mu.RUnlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// runMaintenance is called by gocron's background worker every
// MaintenanceInterval for as long as the Supervisor is running. It only
// logs the number of live matches. It releases no ownership records: the
// match:{id}:owner key CreateMatch writes is never deleted and gets no TTL
// (Runtime.finishTerminal sets the retention TTL on match:{id} only).
func (s *Supervisor) runMaintenance() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.log != nil {
		s.log.Debug("maintenance sweep", zap.Int("live_matches", len(s.matches)))
	}
}
