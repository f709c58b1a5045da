package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// CurrentSchemaVersion is the highest migration version this binary
// knows how to apply. A database with a higher goose schema version
// was migrated by a newer build; Migrate refuses to touch it.
const CurrentSchemaVersion = 4

// Migrate runs all pending database migrations. If the database's
// recorded schema version is newer than this binary understands, it
// aborts rather than guess at compatibility.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this binary supports (%d); back up and migrate offline with a newer build", current, CurrentSchemaVersion)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
