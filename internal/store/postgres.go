package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// UserRow and the other *Row types are the gorm models backing Store's
// Postgres implementation, grounded in the teacher's internal/db/psql.go
// (gorm.Open(postgres.Open(...))) and internal/repo/psql.go wrapper shape.
type UserRow struct {
	PlayerID string `gorm:"primaryKey;column:player_id"`
	Rating   int    `gorm:"column:rating"`
}

func (UserRow) TableName() string { return "users" }

type FinalResultRow struct {
	MatchID   string    `gorm:"primaryKey;column:match_id"`
	Mode      string    `gorm:"column:mode"`
	Ranked    bool      `gorm:"column:ranked"`
	Cancelled bool      `gorm:"column:cancelled"`
	CancelWhy string    `gorm:"column:cancel_why"`
	StartedAt time.Time `gorm:"column:started_at"`
	EndedAt   time.Time `gorm:"column:ended_at"`
}

func (FinalResultRow) TableName() string { return "final_results" }

type StandingRow struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	MatchID          string    `gorm:"column:match_id;index"`
	PlayerID         string    `gorm:"column:player_id"`
	Total            int       `gorm:"column:total"`
	Placement        int       `gorm:"column:placement"`
	EarliestSubmitAt time.Time `gorm:"column:earliest_submit_at"`
}

func (StandingRow) TableName() string { return "standings" }

// PostgresStore implements Store on gorm.io/gorm + gorm.io/driver/postgres.
type PostgresStore struct {
	db *gorm.DB
}

func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&UserRow{}, &FinalResultRow{}, &StandingRow{}); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetUserRating(ctx context.Context, playerID string) (UserRating, error) {
	var row UserRow
	if err := s.db.WithContext(ctx).First(&row, "player_id = ?", playerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return UserRating{PlayerID: playerID, Rating: 1000}, nil
		}
		return UserRating{}, fmt.Errorf("store: get user rating %s: %w", playerID, err)
	}
	return UserRating{PlayerID: row.PlayerID, Rating: row.Rating}, nil
}

func (s *PostgresStore) SaveFinalResult(ctx context.Context, result FinalResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := FinalResultRow{
			MatchID:   result.MatchID,
			Mode:      result.Mode,
			Ranked:    result.Ranked,
			Cancelled: result.Cancelled,
			CancelWhy: result.CancelWhy,
			StartedAt: result.StartedAt,
			EndedAt:   result.EndedAt,
		}
		if err := tx.Clauses().Save(&row).Error; err != nil {
			return fmt.Errorf("save final result: %w", err)
		}

		for _, standing := range result.Standings {
			sr := StandingRow{
				MatchID:          result.MatchID,
				PlayerID:         standing.PlayerID,
				Total:            standing.Total,
				Placement:        standing.Placement,
				EarliestSubmitAt: standing.EarliestSubmitAt,
			}
			if err := tx.Create(&sr).Error; err != nil {
				return fmt.Errorf("save standing for %s: %w", standing.PlayerID, err)
			}
		}
		return nil
	})
}

// ApplyRatingUpdates is a minimal ELO-style adjustment: the core only needs
// Store to do *something* principled with ranked results, the exact curve
// is this implementation's concern, not the core's.
func (s *PostgresStore) ApplyRatingUpdates(ctx context.Context, matchID string, result FinalResult) error {
	if !result.Ranked || len(result.Standings) < 2 {
		return nil
	}

	const kFactor = 32.0
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ratings := make(map[string]int, len(result.Standings))
		for _, st := range result.Standings {
			var row UserRow
			err := tx.First(&row, "player_id = ?", st.PlayerID).Error
			switch err {
			case nil:
				ratings[st.PlayerID] = row.Rating
			case gorm.ErrRecordNotFound:
				ratings[st.PlayerID] = 1000
			default:
				return fmt.Errorf("load rating for %s: %w", st.PlayerID, err)
			}
		}

		deltas := make(map[string]float64, len(result.Standings))
		for _, a := range result.Standings {
			for _, b := range result.Standings {
				if a.PlayerID == b.PlayerID {
					continue
				}
				expected := 1.0 / (1.0 + math.Pow(10, float64(ratings[b.PlayerID]-ratings[a.PlayerID])/400.0))
				actual := 0.5
				if a.Total > b.Total {
					actual = 1.0
				} else if a.Total < b.Total {
					actual = 0.0
				}
				deltas[a.PlayerID] += kFactor * (actual - expected) / float64(len(result.Standings)-1)
			}
		}

		for playerID, delta := range deltas {
			newRating := ratings[playerID] + int(delta)
			if err := tx.Save(&UserRow{PlayerID: playerID, Rating: newRating}).Error; err != nil {
				return fmt.Errorf("save rating for %s: %w", playerID, err)
			}
		}
		return nil
	})
}
