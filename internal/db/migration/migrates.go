package migration

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"nexus/cli/internal/logging"
)

type step struct {
	name string
	run  func(*Migration) error
}

var steps = []step{
	{name: "fail_interrupted_missions", run: failInterruptedMissions},
}

// Migration is passed to each migration step. Both fields are set by RunAll.
type Migration struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

// RunAll runs all registered migrations in order. Schema is synced separately via db.SyncSchema.
func RunAll(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	for _, s := range steps {
		ctx := &Migration{DB: db, Logger: logger.With("migration", s.name)}
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
	}
	return nil
}

// failInterruptedMissions closes missions a previous process left non-terminal.
func failInterruptedMissions(m *Migration) error {
	now := time.Now().UTC().UnixMilli()
	res := m.DB.Exec(
		`UPDATE missions SET status = 'failed', last_error = 'interrupted', finished_at = ?, updated_at = ? WHERE status IN ('pending', 'executing')`,
		now, now,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		m.Logger.Info("failed interrupted missions", "count", res.RowsAffected)
	}
	return nil
}
