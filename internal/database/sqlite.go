package database

import (
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hitzeman/RunNote/internal/activities"
	"github.com/hitzeman/RunNote/internal/credentials"
	"github.com/hitzeman/RunNote/internal/oauth"
	"github.com/hitzeman/RunNote/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&credentials.Credential{},
		&oauth.State{},
		&users.User{},
		&activities.Activity{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := purgeAbandonedStates(db); err != nil && logger != nil {
		logger.Warn("abandoned oauth state purge failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// purgeAbandonedStates drops states whose authorization flow was never
// completed. Consume enforces the validity window regardless; this only
// bounds table growth.
func purgeAbandonedStates(db *gorm.DB) error {
	cutoff := time.Now().UTC().Add(-oauth.StateValidity)
	return db.Where("created_at < ?", cutoff).Delete(&oauth.State{}).Error
}
