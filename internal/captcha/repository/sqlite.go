package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"capgate/internal/captcha/domain"
)

// Timestamps are stored as unix milliseconds.
const (
	sqliteUpsertToken = `INSERT INTO captcha_tokens (id, kind, payload, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, payload = excluded.payload,
	expires_at = excluded.expires_at, created_at = excluded.created_at`

	sqliteGetToken = `SELECT id, kind, payload, expires_at, created_at FROM captcha_tokens WHERE id = ?`

	sqliteDeleteToken = `DELETE FROM captcha_tokens WHERE id = ?`

	sqliteConsumeToken = `DELETE FROM captcha_tokens WHERE id = ? AND kind = ? AND expires_at > ?
RETURNING id, kind, payload, expires_at, created_at`

	sqliteDeleteExpired = `DELETE FROM captcha_tokens WHERE expires_at <= ?`
)

// SQLiteRepository stores tokens in a SQLite captcha_tokens table. SQLite runs one writer
// at a time, which makes the conditional DELETE … RETURNING in Consume single-winner.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a token repository that uses the given SQLite db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ Repository = (*SQLiteRepository)(nil)

// Upsert persists the token, replacing any record with the same ID.
func (r *SQLiteRepository) Upsert(ctx context.Context, t *domain.Token) error {
	_, err := r.db.ExecContext(ctx, sqliteUpsertToken,
		t.ID, string(t.Kind), t.Payload, t.ExpiresAt.UnixMilli(), t.CreatedAt.UnixMilli())
	return err
}

// GetByID returns the token for id, or nil if not found.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	return scanSQLiteToken(r.db.QueryRowContext(ctx, sqliteGetToken, id))
}

// Delete removes the token by id.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, sqliteDeleteToken, id)
	return err
}

// Consume deletes the token if it is live and of kind, returning the deleted row.
func (r *SQLiteRepository) Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error) {
	return scanSQLiteToken(r.db.QueryRowContext(ctx, sqliteConsumeToken, id, string(kind), now.UnixMilli()))
}

// DeleteExpired removes every token with expires_at <= now.
func (r *SQLiteRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, sqliteDeleteExpired, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanSQLiteToken(row *sql.Row) (*domain.Token, error) {
	var (
		t                    domain.Token
		kind                 string
		expiresAt, createdAt int64
	)
	if err := row.Scan(&t.ID, &kind, &t.Payload, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Kind = domain.Kind(kind)
	t.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &t, nil
}
