package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"capgate/internal/captcha/domain"
)

const (
	pgUpsertToken = `INSERT INTO captcha_tokens (id, kind, payload, expires_at, created_at)
VALUES ($1, $2, $3::jsonb, $4, $5)
ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, payload = EXCLUDED.payload,
	expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`

	pgGetToken = `SELECT id, kind, payload, expires_at, created_at FROM captcha_tokens WHERE id = $1`

	pgDeleteToken = `DELETE FROM captcha_tokens WHERE id = $1`

	pgConsumeToken = `DELETE FROM captcha_tokens WHERE id = $1 AND kind = $2 AND expires_at > $3
RETURNING id, kind, payload, expires_at, created_at`

	pgDeleteExpired = `DELETE FROM captcha_tokens WHERE expires_at <= $1`
)

// PostgresRepository stores tokens in the captcha_tokens table.
// Consume is a single conditional DELETE … RETURNING, so concurrent redeemers of one
// token are serialised by the row lock and only one gets the row back.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a token repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// Upsert persists the token, replacing any record with the same ID.
func (r *PostgresRepository) Upsert(ctx context.Context, t *domain.Token) error {
	_, err := r.db.ExecContext(ctx, pgUpsertToken,
		t.ID, string(t.Kind), string(t.Payload), t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	return err
}

// GetByID returns the token for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	return scanPGToken(r.db.QueryRowContext(ctx, pgGetToken, id))
}

// Delete removes the token by id.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, pgDeleteToken, id)
	return err
}

// Consume deletes the token if it is live and of kind, returning the deleted row.
func (r *PostgresRepository) Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error) {
	return scanPGToken(r.db.QueryRowContext(ctx, pgConsumeToken, id, string(kind), now.UTC()))
}

// DeleteExpired removes every token with expires_at <= now.
func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, pgDeleteExpired, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks the database connection.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanPGToken(row *sql.Row) (*domain.Token, error) {
	var (
		t    domain.Token
		kind string
	)
	if err := row.Scan(&t.ID, &kind, &t.Payload, &t.ExpiresAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Kind = domain.Kind(kind)
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}
