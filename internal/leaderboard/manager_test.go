package leaderboard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lijuuu/ArenaMatchCore/internal/leaderboard"
)

func TestStandingsFromMatchTieBreaksByEarliestSubmit(t *testing.T) {
	now := time.Now()
	scores := map[string]int{"a": 300, "b": 300, "c": 240}
	earliest := map[string]time.Time{
		"a": now.Add(30 * time.Second),
		"b": now.Add(10 * time.Second),
		"c": now.Add(5 * time.Second),
	}

	standings := leaderboard.StandingsFromMatch(scores, earliest)

	assert.Equal(t, "b", standings[0].PlayerID)
	assert.Equal(t, "a", standings[1].PlayerID)
	assert.Equal(t, "c", standings[2].PlayerID)
}

func TestStandingsFromMatchOrdersByTotalDescending(t *testing.T) {
	scores := map[string]int{"a": 100, "b": 50}
	standings := leaderboard.StandingsFromMatch(scores, nil)

	assert.Equal(t, "a", standings[0].PlayerID)
	assert.Equal(t, "b", standings[1].PlayerID)
}
