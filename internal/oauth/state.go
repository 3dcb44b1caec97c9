package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidState indicates the callback presented a state that was never
	// issued or was already consumed.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrExpiredState indicates the state outlived its validity window.
	ErrExpiredState = errors.New("oauth: expired state")

	errStateMissingDatabase = errors.New("oauth: database connection required")
)

// StateValidity bounds how long an authorization attempt may stay in flight.
const StateValidity = 10 * time.Minute

// State is a one-time nonce binding an authorization redirect to its
// callback.
type State struct {
	Token     string    `gorm:"column:token;primaryKey;size:36;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing pending authorization states.
func (State) TableName() string {
	return "oauth_states"
}

// StateLedgerConfig describes the dependencies of the state ledger.
type StateLedgerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// StateLedger issues and consumes single-use CSRF states.
type StateLedger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStateLedger constructs the ledger.
func NewStateLedger(cfg StateLedgerConfig) (*StateLedger, error) {
	if cfg.Database == nil {
		return nil, errStateMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateLedger{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Issue generates a random state token and persists it with the current time.
func (l *StateLedger) Issue(ctx context.Context) (string, error) {
	state := State{
		Token:     uuid.NewString(),
		CreatedAt: l.clock().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&state).Error; err != nil {
		return "", err
	}
	return state.Token, nil
}

// Consume validates the token and removes it. The delete is keyed on the
// token and checked for rows affected, so two concurrent consumers of the
// same token see exactly one success: the loser's delete hits nothing and
// fails with ErrInvalidState.
func (l *StateLedger) Consume(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidState
	}

	var state State
	err := l.db.WithContext(ctx).
		Where("token = ?", token).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidState
	}
	if err != nil {
		return err
	}

	result := l.db.WithContext(ctx).Where("token = ?", token).Delete(&State{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidState
	}

	if l.clock().Sub(state.CreatedAt) > StateValidity {
		return ErrExpiredState
	}
	return nil
}

// PurgeExpired removes states older than the validity window. Abandoned
// flows leave rows behind; this keeps the table bounded.
func (l *StateLedger) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := l.clock().UTC().Add(-StateValidity)
	result := l.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&State{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		l.logger.Info("purged abandoned oauth states", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
