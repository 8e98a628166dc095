package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/events"
	"github.com/MarcoPoloResearchLab/tally/internal/queue"
	"github.com/MarcoPoloResearchLab/tally/internal/replica"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the server database and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&events.Event{}, &events.IdempotencyRecord{}, &changelog.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, serverMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("schema", "server"))
	}

	return db, nil
}

// OpenClientSQLite opens the sync client's local database and performs schema migrations.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&queue.PendingMutation{}, &replica.LocalEvent{}, &replica.SyncCursor{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, clientMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("schema", "client"))
	}

	return db, nil
}

func open(path string) (*gorm.DB, error) {
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
	return db, nil
}
