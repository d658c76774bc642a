package db

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNoDSN is returned when a connection string or database path is empty.
var ErrNoDSN = errors.New("db: no DSN or path given")

// OpenSQLite opens (creating if needed) the SQLite database file at path.
// The pool is limited to one connection so writes never hit SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoDSN
	}
	db, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteDSN turns a file path into a modernc.org/sqlite DSN with a busy timeout and WAL.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
