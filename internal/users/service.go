package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates no local account exists for the athlete.
var ErrNotFound = errors.New("users: not found")

var errMissingDatabase = errors.New("users: database connection required")

// User is the local account for one connected Strava athlete. Locally-owned
// fields on this row (connection time, display name edits) are preserved
// across re-authorizations; only the platform-sourced name is refreshed.
type User struct {
	AthleteID   int64     `gorm:"column:athlete_id;primaryKey"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	ConnectedAt time.Time `gorm:"column:connected_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local accounts.
func (User) TableName() string {
	return "users"
}

// ServiceConfig describes the dependencies for local account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages the mapping between Strava athletes and local accounts.
type Service struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock}, nil
}

// EnsureUser creates the local account on first authorization and refreshes
// the platform-sourced display name on later ones.
func (s *Service) EnsureUser(ctx context.Context, athleteID int64, displayName string) (User, error) {
	user := User{
		AthleteID:   athleteID,
		DisplayName: strings.TrimSpace(displayName),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "athlete_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).
		Create(&user).Error
	if err != nil {
		return User{}, err
	}
	return s.Lookup(ctx, athleteID)
}

// Lookup returns the local account for the athlete, or ErrNotFound.
func (s *Service) Lookup(ctx context.Context, athleteID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}
