package migrations

import (
	"database/sql"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Migration describes a single forward-only schema change. Conductor never
// runs a Down in production; Down exists only so a migration can be
// exercised and reverted inside a test's own transaction scope.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
	Down        func(tx *sql.Tx) error
}

// Runner applies ordered migrations against a database.
type Runner struct {
	log        *zap.Logger
	migrations []Migration
}

// NewRunner returns a Runner over migrations, sorted by Version ascending.
func NewRunner(log *zap.Logger, migrations []Migration) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Runner{log: log, migrations: sorted}
}

// Migrate applies every pending migration in version order, each in its own
// transaction. It stops and returns the first error encountered.
func (r *Runner) Migrate(db *sql.DB) error {
	current, err := CurrentVersion(db)
	if err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.applyUp(db, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) applyUp(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx for migration v%d: %w", m.Version, err)
	}

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration v%d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	if err := SetVersion(db, m.Version); err != nil {
		return fmt.Errorf("set schema version %d: %w", m.Version, err)
	}

	if r.log != nil {
		r.log.Info("applied migration", zap.Int("version", m.Version), zap.String("description", m.Description))
	}
	return nil
}
