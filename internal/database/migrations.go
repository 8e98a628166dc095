package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEventSourceType  = "2026-09-14_backfill_event_source_type"
	migrationNullEmptyEventSourceIDs  = "2026-09-14_null_empty_event_source_ids"
	migrationBackfillLocalCategoryKey = "2026-09-21_backfill_local_category_key"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var serverMigrations = []migrationDefinition{
	{name: migrationBackfillEventSourceType, apply: backfillEventSourceType},
	{name: migrationNullEmptyEventSourceIDs, apply: nullEmptyEventSourceIDs},
}

var clientMigrations = []migrationDefinition{
	{name: migrationBackfillLocalCategoryKey, apply: backfillLocalCategoryKey},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before source types were recorded are manual entries.
func backfillEventSourceType(db *gorm.DB) error {
	return db.Exec("UPDATE events SET source_type = 'manual' WHERE source_type IS NULL OR source_type = ''").Error
}

// An empty source id would collide on the source identity index.
func nullEmptyEventSourceIDs(db *gorm.DB) error {
	return db.Exec("UPDATE events SET source_id = NULL WHERE source_id = ''").Error
}

func backfillLocalCategoryKey(db *gorm.DB) error {
	return db.Exec("UPDATE local_events SET category_key = lower(trim(category)) WHERE category_key = '' AND category <> ''").Error
}
