package db

import (
	"errors"
	"log/slog"

	"nexus/cli/internal/db/migration"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(&Mission{}, &MissionEvent{}); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_missions_created_at ON missions(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_mission_events_mission_id ON mission_events(mission_id, id);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp syncs schema then runs the data migrations.
func MigrateUp(db *gorm.DB, logger *slog.Logger) error {
	if err := SyncSchema(db); err != nil {
		return err
	}
	return migration.RunAll(db, logger)
}
