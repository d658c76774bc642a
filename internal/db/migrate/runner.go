// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"capgate/internal/db"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Backends with SQL migrations.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Run applies the migrations for backend in the given direction.
// For postgres, dsn is a postgres:// URL; for sqlite, it is the database file path.
// direction must be "up" or "down". Returns nil on success and when already at the target.
func Run(backend, dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("no database configured; set DATABASE_URL (postgres) or SQLITE_PATH (sqlite)")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	var databaseURL string
	switch backend {
	case BackendPostgres:
		databaseURL = dsn
	case BackendSQLite:
		databaseURL = "sqlite://" + dsn
	default:
		return fmt.Errorf("backend %q has no SQL migrations", backend)
	}

	sourceDriver, err := iofs.New(db.MigrationFS, "migrations/"+backend)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, databaseURL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	}
	return nil
}
