package credentials

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates no credential exists for the requested athlete.
var ErrNotFound = errors.New("credentials: not found")

var errMissingDatabase = errors.New("credentials: database connection required")

// Credential is the delegated-access grant for one Strava athlete. Exactly
// one row exists per athlete; both tokens and the expiry are replaced
// together on every refresh.
type Credential struct {
	AthleteID    int64     `gorm:"column:athlete_id;primaryKey"`
	AccessToken  string    `gorm:"column:access_token;size:512;not null"`
	RefreshToken string    `gorm:"column:refresh_token;size:512;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing Strava credentials.
func (Credential) TableName() string {
	return "strava_credentials"
}

// StoreConfig describes the dependencies of the credential store.
type StoreConfig struct {
	Database *gorm.DB
}

// Store persists credentials keyed by athlete id.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the credential store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: cfg.Database}, nil
}

// Get returns the credential for the athlete, or ErrNotFound.
func (s *Store) Get(ctx context.Context, athleteID int64) (Credential, error) {
	var credential Credential
	err := s.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	return credential, nil
}

// Upsert inserts the credential or, when a row for the athlete already
// exists, overwrites tokens and expiry in a single statement.
func (s *Store) Upsert(ctx context.Context, credential Credential) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "athlete_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_token", "refresh_token", "expires_at", "updated_at",
			}),
		}).
		Create(&credential).Error
}
