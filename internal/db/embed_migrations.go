package db

import "embed"

// MigrationFS embeds the SQL migrations for every SQL backend, one directory per dialect:
// migrations/postgres and migrations/sqlite. Used by the migrate runner and cmd/migrate.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationFS embed.FS
