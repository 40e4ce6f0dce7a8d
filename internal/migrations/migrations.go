// Package migrations holds the dialer schema, applied with sql-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed sql/*.sql
var files embed.FS

// Source is the embedded migration set.
func Source() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{FileSystem: files, Root: "sql"}
}

// Up applies all pending migrations and returns how many ran.
func Up(db *sql.DB) (int, error) {
	n, err := migrate.Exec(db, "postgres", Source(), migrate.Up)
	if err != nil {
		return n, fmt.Errorf("migrations: up: %w", err)
	}
	return n, nil
}

// Down rolls back at most max migrations (0 means all).
func Down(db *sql.DB, max int) (int, error) {
	n, err := migrate.ExecMax(db, "postgres", Source(), migrate.Down, max)
	if err != nil {
		return n, fmt.Errorf("migrations: down: %w", err)
	}
	return n, nil
}
