// Package leaderboard wraps RedisBoard per-match, converting MatchRuntime's
// round scores into a ranked standings view for match_end and for
// spectators polling mid-match rank.
package leaderboard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	redisboard "github.com/lijuuu/RedisBoard"

	"github.com/lijuuu/ArenaMatchCore/internal/model"
)

// Entry is one ranked row, matching model.StandingEntry plus a computed
// rank so ties resolve consistently for clients.
type Entry struct {
	PlayerID string
	Total    int
	Rank     int
}

// Manager owns one RedisBoard leaderboard per active match, keyed by
// MatchID, grounded in the teacher's internal/leaderboard/manager.go.
type Manager struct {
	mu     sync.RWMutex
	boards map[string]*redisboard.Leaderboard
	config redisboard.Config
}

func NewManager(redisAddr, redisPassword string) *Manager {
	return &Manager{
		boards: make(map[string]*redisboard.Leaderboard),
		config: redisboard.Config{
			K:           50,
			MaxUsers:    64,
			MaxEntities: 1,
			FloatScores: false,
			RedisAddr:   redisAddr,
			RedisPass:   redisPassword,
		},
	}
}

func (m *Manager) Open(matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.boards[matchID]; exists {
		return nil
	}

	cfg := m.config
	cfg.Namespace = fmt.Sprintf("match_%s", matchID)
	board, err := redisboard.New(cfg)
	if err != nil {
		return fmt.Errorf("leaderboard: open %s: %w", matchID, err)
	}
	m.boards[matchID] = board
	return nil
}

func (m *Manager) Close(matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	board, exists := m.boards[matchID]
	if !exists {
		return nil
	}
	delete(m.boards, matchID)
	if err := board.Close(); err != nil {
		return fmt.Errorf("leaderboard: close %s: %w", matchID, err)
	}
	return nil
}

func (m *Manager) board(matchID string) (*redisboard.Leaderboard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	board, exists := m.boards[matchID]
	if !exists {
		return nil, fmt.Errorf("leaderboard: not opened for match %s", matchID)
	}
	return board, nil
}

// SetScore pushes a player's running total after a round closes.
func (m *Manager) SetScore(matchID, playerID string, total int) error {
	board, err := m.board(matchID)
	if err != nil {
		return err
	}
	if err := board.AddUser(redisboard.User{ID: playerID, Score: float64(total)}); err != nil {
		return fmt.Errorf("leaderboard: set score %s/%s: %w", matchID, playerID, err)
	}
	return nil
}

// Standings returns ranked entries by total, descending; entries with equal
// totals are ordered by player id. The earliest-submission tie-break is not
// applied here (RedisBoard only ranks by score); StandingsFromMatch applies it.
func (m *Manager) Standings(matchID string, limit int) ([]Entry, error) {
	board, err := m.board(matchID)
	if err != nil {
		return nil, err
	}

	users, err := board.GetTopKGlobal()
	if err != nil {
		if err.Error() == "no users in global leaderboard" {
			return nil, nil
		}
		return nil, fmt.Errorf("leaderboard: standings %s: %w", matchID, err)
	}

	entries := make([]Entry, 0, len(users))
	for _, u := range users {
		entries = append(entries, Entry{PlayerID: u.ID, Total: int(u.Score)})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Rank returns one player's current rank, -1 if they have no score yet.
func (m *Manager) Rank(matchID, playerID string) (Entry, error) {
	board, err := m.board(matchID)
	if err != nil {
		return Entry{}, err
	}
	data, err := board.GetUserLeaderboardData(playerID)
	if err != nil {
		return Entry{}, fmt.Errorf("leaderboard: rank %s/%s: %w", matchID, playerID, err)
	}
	if data.GlobalRank == -1 {
		return Entry{PlayerID: playerID, Total: int(data.Score), Rank: -1}, nil
	}
	return Entry{PlayerID: playerID, Total: int(data.Score), Rank: data.GlobalRank + 1}, nil
}

// StandingsFromMatch builds the match_end standings directly from
// authoritative in-memory state (total score, tie-broken by earliest
// submission) rather than re-reading the Redis-backed board.
func StandingsFromMatch(scores map[string]int, earliestSubmitAt map[string]time.Time) []model.StandingEntry {
	entries := make([]model.StandingEntry, 0, len(scores))
	for playerID, total := range scores {
		entries = append(entries, model.StandingEntry{
			PlayerID:         playerID,
			Total:            total,
			EarliestSubmitAt: earliestSubmitAt[playerID],
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Total != entries[j].Total {
			return entries[i].Total > entries[j].Total
		}
		return entries[i].EarliestSubmitAt.Before(entries[j].EarliestSubmitAt)
	})
	return entries
}
