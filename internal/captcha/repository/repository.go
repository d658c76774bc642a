package repository

import (
	"context"
	"errors"
	"time"

	"capgate/internal/captcha/domain"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("token store closed")

// Repository defines persistence for challenge and solution tokens.
// Every method is atomic with respect to a single record.
type Repository interface {
	// Upsert creates the token or overwrites the record with the same ID.
	Upsert(ctx context.Context, t *domain.Token) error
	// GetByID returns the token for id, or nil if not found. Backends with native expiry
	// never return expired tokens; others may, and callers must check Expired.
	GetByID(ctx context.Context, id string) (*domain.Token, error)
	// Delete removes the token by id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Consume atomically removes and returns the token for id if it exists, has the given kind,
	// and is not expired at now. Returns nil if there was nothing to consume, including when a
	// concurrent caller consumed it first. At most one caller observes a non-nil token.
	Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error)
	// DeleteExpired removes every token with ExpiresAt <= now and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// DefaultChallengeTTL is the default challenge expiry (10 minutes).
const DefaultChallengeTTL = 10 * time.Minute

// DefaultSolutionTTL is the default redemption token expiry.
const DefaultSolutionTTL = 5 * time.Minute
