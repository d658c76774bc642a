package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"capgate/internal/db"
	"capgate/internal/db/migrate"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendValkey   = "valkey"
	BackendBadger   = "badger"
)

// ErrUnknownBackend is returned by Open for a backend name it does not know.
var ErrUnknownBackend = errors.New("unknown store backend")

// Backends lists every backend name in the order they are documented.
var Backends = []string{BackendMemory, BackendPostgres, BackendSQLite, BackendValkey, BackendBadger}

// StoreConfig selects and configures a backend for Open.
type StoreConfig struct {
	Backend       string
	DatabaseURL   string
	SQLitePath    string
	ValkeyURL     string
	ValkeyCluster bool
	BadgerDir     string
	// AutoMigrate applies the embedded SQL migrations before returning a SQL backend.
	AutoMigrate bool
	Logger      *slog.Logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the repository named by cfg.Backend. The returned Closer releases the backend's
// connections and is never nil on success.
func Open(ctx context.Context, cfg StoreConfig) (Repository, io.Closer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryRepository(), nopCloser{}, nil
	case BackendPostgres:
		conn, err := openSQL(cfg, migrate.BackendPostgres, cfg.DatabaseURL, db.Open)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresRepository(conn), conn, nil
	case BackendSQLite:
		conn, err := openSQL(cfg, migrate.BackendSQLite, cfg.SQLitePath, db.OpenSQLite)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLiteRepository(conn), conn, nil
	case BackendValkey:
		repo, err := NewValkeyRepository(ctx, cfg.ValkeyURL, cfg.ValkeyCluster)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	case BackendBadger:
		repo, err := NewBadgerRepository(cfg.BadgerDir, logger.With("component", "badger"))
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Backend)
	}
}

func openSQL(cfg StoreConfig, backend, dsn string, open func(string) (*sql.DB, error)) (*sql.DB, error) {
	if cfg.AutoMigrate {
		if err := migrate.Run(backend, dsn, "up"); err != nil {
			return nil, fmt.Errorf("%s: migrate: %w", backend, err)
		}
	}
	conn, err := open(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", backend, err)
	}
	return conn, nil
}
