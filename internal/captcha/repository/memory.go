package repository

import (
	"context"
	"sync"
	"time"

	"capgate/internal/captcha/domain"
)

// MemoryRepository is an in-memory Repository. It does not scale past a single process;
// use it for tests and single-instance deployments.
type MemoryRepository struct {
	mu sync.Mutex
	m  map[string]domain.Token
}

// NewMemoryRepository returns an empty in-memory token store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{m: make(map[string]domain.Token)}
}

var _ Repository = (*MemoryRepository)(nil)

// Upsert stores a copy of t under t.ID.
func (r *MemoryRepository) Upsert(ctx context.Context, t *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.ID] = cloneToken(*t)
	return nil
}

// GetByID returns a copy of the token for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return nil, nil
	}
	c := cloneToken(t)
	return &c, nil
}

// Delete removes the token by id.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
	return nil
}

// Consume removes and returns the token under the store lock.
func (r *MemoryRepository) Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok || t.Kind != kind || t.Expired(now) {
		return nil, nil
	}
	delete(r.m, id)
	return &t, nil
}

// DeleteExpired removes every token with ExpiresAt <= now.
func (r *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.m {
		if t.Expired(now) {
			delete(r.m, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (r *MemoryRepository) Ping(ctx context.Context) error { return nil }

// Len returns the number of stored tokens, expired or not.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

func cloneToken(t domain.Token) domain.Token {
	if t.Payload != nil {
		t.Payload = append([]byte(nil), t.Payload...)
	}
	return t
}
