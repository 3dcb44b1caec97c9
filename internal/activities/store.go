package activities

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("activities: database connection required")

const defaultListLimit = 50

// StoreConfig describes the dependencies of the activity store.
type StoreConfig struct {
	Database *gorm.DB
}

// Store is the idempotent write target for normalized activity records.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the activity store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: cfg.Database}, nil
}

// Upsert writes the record, overwriting every derived field when a row with
// the same remote id already exists. Last write wins.
func (s *Store) Upsert(ctx context.Context, activity Activity) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "remote_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"athlete_id", "name", "sport_type", "started_at",
				"distance_m", "moving_s", "elapsed_s",
				"avg_speed", "max_speed", "avg_heartrate", "max_heartrate",
				"raw_json", "updated_at",
			}),
		}).
		Create(&activity).Error
}

// ListByAthlete returns the athlete's most recent activities.
func (s *Store) ListByAthlete(ctx context.Context, athleteID int64, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var records []Activity
	err := s.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
