// Package model holds the core data types of the match orchestration core:
// players, matches, rounds, submissions and grade reports. Nothing in this
// package talks to Redis, Postgres or the network — it is pure state.
package model

import (
	"sync"
	"time"
)

// MatchMode tags a match and determines round count, time limits, scoring
// curve and problem source.
type MatchMode string

const (
	ModeCasual   MatchMode = "casual"
	ModeRanked   MatchMode = "ranked"
	ModeBlitz    MatchMode = "blitz"
	ModePractice MatchMode = "practice"
	ModeTrivia   MatchMode = "trivia"
	ModeDebug    MatchMode = "debug"
	ModeCustom   MatchMode = "custom"
)

// MatchStatus is the top-level state of a Match. Transitions only move
// forward: waiting -> starting -> in_progress -> (completed|cancelled).
// cancelled is reachable from any non-terminal status.
type MatchStatus string

const (
	StatusWaiting    MatchStatus = "waiting"
	StatusStarting   MatchStatus = "starting"
	StatusInProgress MatchStatus = "in_progress"
	StatusCompleted  MatchStatus = "completed"
	StatusCancelled  MatchStatus = "cancelled"
)

func (s MatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RoundStatus transitions pending -> open -> grading -> closed.
type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundOpen    RoundStatus = "open"
	RoundGrading RoundStatus = "grading"
	RoundClosed  RoundStatus = "closed"
)

// Verdict is the outcome of a grading attempt.
type Verdict string

const (
	VerdictOK          Verdict = "ok"
	VerdictGraderError Verdict = "grader_error"
	VerdictTimeout     Verdict = "timeout"
	VerdictInvalid     Verdict = "invalid"
)

// Player is owned by the SessionHub for the life of a connection and
// referenced (never owned) by Match.
type Player struct {
	PlayerID    string
	DisplayName string
	Rating      int
	Connected   bool
	LastSeenAt  time.Time
}

// Problem is opaque to the core beyond ProblemID and TimeLimit; Payload is
// whatever the mode-specific problem source attaches (code prompt, trivia
// question, debug patch target, …).
type Problem struct {
	ProblemID string
	Mode      MatchMode
	TimeLimit time.Duration
	Payload   map[string]any
}

// Submission is immutable once created; a later submission from the same
// player in the same round supersedes the previous one (last write wins).
type Submission struct {
	SubmissionID string
	MatchID      string
	RoundIndex   int
	PlayerID     string
	Code         string
	Language     string
	SubmittedAt  time.Time
}

// GradingCriteria mirrors the AI grader's weighting: correctness 40,
// efficiency 25, readability 20, style 10, innovation 5 (defaults; modes may
// override in MatchConfig.ScoreWeights).
type GradingCriteria struct {
	Correctness float64
	Efficiency  float64
	Readability float64
	Style       float64
	Innovation  float64
}

// GradeReport is produced exactly once per accepted submission and cached
// for the match lifetime.
type GradeReport struct {
	SubmissionID string
	ScoreTotal   float64
	Criteria     GradingCriteria
	Feedback     string
	Verdict      Verdict
	Degraded     bool // true when Verdict != ok and a fallback score was substituted
}

// ScoreWeights sums to 100 and determines how GradingCriteria map onto a
// per-round score.
type ScoreWeights struct {
	Correctness float64
	Efficiency  float64
	Readability float64
	Style       float64
	Innovation  float64
}

// DefaultScoreWeights matches spec.md §4.6: correctness 40, efficiency 25,
// readability 20, style 10, innovation 5.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Correctness: 40, Efficiency: 25, Readability: 20, Style: 10, Innovation: 5}
}

// Round is one problem within a match with its own deadline and grading
// pass.
type Round struct {
	RoundIndex  int
	Problem     Problem
	StartedAt   time.Time
	DeadlineAt  time.Time
	Submissions map[string]Submission  // playerID -> latest retained submission
	Grades      map[string]GradeReport // submissionID -> report
	Scores      map[string]int         // playerID -> round score
	Status      RoundStatus
}

// MatchConfig captures the per-match tunables fixed at creation time.
type MatchConfig struct {
	RoundCount           int
	RoundTimeLimit       time.Duration
	GradingTimeBudget    time.Duration
	MaxPlayers           int
	IsPrivate            bool
	IsRanked             bool
	LanguageWhitelist    []string
	ScoreWeights         ScoreWeights
	InvitedSpectatorIDs  map[string]struct{} // allow-list for private-lobby spectators
}

// Match is the central aggregate. MatchRuntime exclusively owns it; every
// other component only ever sees a versioned snapshot.
type Match struct {
	MatchID       string
	Mode          MatchMode
	Config        MatchConfig
	OwnerPlayerID string // creator for custom matches; "" for matchmade ones

	Players     []Player
	Spectators  []Player
	Rounds      []Round
	Cursor      int
	Status      MatchStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	Version     uint64

	// Disconnected records when each disconnected player dropped; the grace
	// window runs from that instant. Cleared on reconnect.
	Disconnected map[string]time.Time

	mu sync.RWMutex
}

// Lock/Unlock/RLock/RUnlock expose the single-writer discipline explicitly:
// only the owning MatchRuntime goroutine ever calls Lock.
func (m *Match) Lock()    { m.mu.Lock() }
func (m *Match) Unlock()  { m.mu.Unlock() }
func (m *Match) RLock()   { m.mu.RLock() }
func (m *Match) RUnlock() { m.mu.RUnlock() }

// Bump increments Version. Its only caller is the owning MatchRuntime
// goroutine, which does not take the lock.
func (m *Match) Bump() uint64 {
	m.Version++
	return m.Version
}

// Snapshot is an immutable, versioned copy of Match state suitable for
// transport and recovery (StateStore value, resync payload).
type Snapshot struct {
	MatchID      string          `json:"match_id"`
	Mode         MatchMode       `json:"mode"`
	Status       MatchStatus     `json:"status"`
	Cursor       int             `json:"cursor"`
	Version      uint64          `json:"version"`
	Players      []Player        `json:"players"`
	Scores       map[string]int  `json:"scores"`
	Ranks        map[string]int  `json:"ranks,omitempty"`
	CurrentRound *RoundSnapshot  `json:"current_round,omitempty"`
}

// RoundSnapshot is the subset of Round state safe to hand to clients while
// a round is open (no hidden test cases, no other players' code).
type RoundSnapshot struct {
	RoundIndex int         `json:"round_index"`
	Problem    Problem     `json:"problem"`
	DeadlineAt time.Time   `json:"deadline_at"`
	Status     RoundStatus `json:"status"`
}

// StandingEntry is one row of the final standings broadcast on match_end.
type StandingEntry struct {
	PlayerID         string    `json:"player_id"`
	Total            int       `json:"total"`
	EarliestSubmitAt time.Time `json:"earliest_submit_at"`
	// WonByForfeit marks the entry that won because every other player
	// forfeited, not by score. Total is left untouched either way.
	WonByForfeit bool `json:"won_by_forfeit,omitempty"`
}
