// Package repositorytest is the behaviour every token store backend must share.
package repositorytest

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/repository"
)

// Options describes backend traits the suite has to account for.
type Options struct {
	// NativeExpiry is set for backends that evict tokens at their deadline on their own.
	// Such backends may report zero from DeleteExpired because nothing is left to sweep.
	NativeExpiry bool
}

// NewFunc returns an empty repository for one subtest.
type NewFunc func(t *testing.T) repository.Repository

// Common runs the shared conformance tests against the repository built by newRepo.
func Common(t *testing.T, newRepo NewFunc, opts Options) {
	t.Helper()

	t.Run("get missing", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.GetByID(context.Background(), uuid.NewString())
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got != nil {
			t.Errorf("GetByID = %+v, want nil", got)
		}
	})

	t.Run("upsert and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		want := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, want); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := repo.GetByID(ctx, want.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		assertToken(t, got, want)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, first); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		second := newToken(domain.KindSolution, 2*time.Hour)
		second.ID = first.ID
		second.Payload = []byte(`{"challenge":"abcd1234","expires":1}`)
		if err := repo.Upsert(ctx, second); err != nil {
			t.Fatalf("Upsert (overwrite): %v", err)
		}
		got, err := repo.GetByID(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		assertToken(t, got, second)
	})

	t.Run("delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		tok := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := repo.Delete(ctx, tok.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, err := repo.GetByID(ctx, tok.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got != nil {
			t.Error("GetByID should return nil after Delete")
		}
		if err := repo.Delete(ctx, tok.ID); err != nil {
			t.Errorf("Delete of missing id should be a no-op, got %v", err)
		}
	})

	t.Run("consume once", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		tok := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		now := time.Now().UTC()
		got, err := repo.Consume(ctx, tok.ID, domain.KindChallenge, now)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		assertToken(t, got, tok)
		again, err := repo.Consume(ctx, tok.ID, domain.KindChallenge, now)
		if err != nil {
			t.Fatalf("Consume (again): %v", err)
		}
		if again != nil {
			t.Error("second Consume should return nil")
		}
		if left, _ := repo.GetByID(ctx, tok.ID); left != nil {
			t.Error("consumed token should be gone")
		}
	})

	t.Run("consume wrong kind keeps token", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		tok := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := repo.Consume(ctx, tok.ID, domain.KindSolution, time.Now().UTC())
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got != nil {
			t.Error("Consume with the wrong kind should return nil")
		}
		left, err := repo.GetByID(ctx, tok.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if left == nil {
			t.Error("token should survive a wrong-kind Consume")
		}
	})

	t.Run("consume missing", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.Consume(context.Background(), uuid.NewString(), domain.KindChallenge, time.Now().UTC())
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got != nil {
			t.Error("Consume of a missing id should return nil")
		}
	})

	t.Run("consume expired", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		tok := newToken(domain.KindSolution, -time.Minute)
		if err := repo.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := repo.Consume(ctx, tok.ID, domain.KindSolution, time.Now().UTC())
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got != nil {
			t.Error("Consume of an expired token should return nil")
		}
	})

	t.Run("concurrent consume has one winner", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		tok := newToken(domain.KindChallenge, time.Hour)
		if err := repo.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		now := time.Now().UTC()
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := repo.Consume(ctx, tok.ID, domain.KindChallenge, now)
				if err != nil {
					t.Errorf("Consume: %v", err)
					return
				}
				if got != nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})

	t.Run("delete expired", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		live := newToken(domain.KindChallenge, time.Hour)
		dead1 := newToken(domain.KindChallenge, -time.Minute)
		dead2 := newToken(domain.KindSolution, -time.Second)
		for _, tok := range []*domain.Token{live, dead1, dead2} {
			if err := repo.Upsert(ctx, tok); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}
		now := time.Now().UTC()
		n, err := repo.DeleteExpired(ctx, now)
		if err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if !opts.NativeExpiry && n != 2 {
			t.Errorf("DeleteExpired = %d, want 2", n)
		}
		if opts.NativeExpiry && n > 2 {
			t.Errorf("DeleteExpired = %d, want at most 2", n)
		}
		for _, tok := range []*domain.Token{dead1, dead2} {
			got, err := repo.GetByID(ctx, tok.ID)
			if err != nil {
				t.Fatalf("GetByID: %v", err)
			}
			if got != nil {
				t.Errorf("expired token %s should be gone", tok.ID)
			}
		}
		got, err := repo.GetByID(ctx, live.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got == nil {
			t.Error("live token should survive DeleteExpired")
		}
		n, err = repo.DeleteExpired(ctx, now)
		if err != nil {
			t.Fatalf("DeleteExpired (again): %v", err)
		}
		if n != 0 {
			t.Errorf("second DeleteExpired = %d, want 0", n)
		}
	})

	t.Run("delete expired keeps re-issued tokens", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		const n = 200
		stale := make([]*domain.Token, n)
		for i := range stale {
			stale[i] = newToken(domain.KindChallenge, time.Minute)
			if err := repo.Upsert(ctx, stale[i]); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}
		sweepAt := time.Now().UTC().Add(2 * time.Minute)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := repo.DeleteExpired(ctx, sweepAt); err != nil {
				t.Errorf("DeleteExpired: %v", err)
			}
		}()
		fresh := make([]*domain.Token, n)
		go func() {
			defer wg.Done()
			for i, old := range stale {
				tok := newToken(domain.KindChallenge, time.Hour)
				tok.ID = old.ID
				fresh[i] = tok
				if err := repo.Upsert(ctx, tok); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
			}
		}()
		wg.Wait()

		var lost int
		for _, want := range fresh {
			if want == nil {
				continue
			}
			got, err := repo.GetByID(ctx, want.ID)
			if err != nil {
				t.Fatalf("GetByID: %v", err)
			}
			if got == nil {
				lost++
				continue
			}
			if !got.ExpiresAt.Equal(want.ExpiresAt) {
				t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
			}
		}
		if lost != 0 {
			t.Errorf("sweep removed %d of %d re-issued tokens", lost, n)
		}
	})

	t.Run("ping", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func newToken(kind domain.Kind, ttl time.Duration) *domain.Token {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Token{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   []byte(`{"c":1,"s":8,"d":1,"salts":["0123abcd"]}`),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

func assertToken(t *testing.T, got, want *domain.Token) {
	t.Helper()
	if got == nil {
		t.Fatal("token is nil")
	}
	if got.ID != want.ID {
		t.Errorf("ID = %q, want %q", got.ID, want.ID)
	}
	if got.Kind != want.Kind {
		t.Errorf("Kind = %q, want %q", got.Kind, want.Kind)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if !jsonEqual(got.Payload, want.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, want.Payload)
	}
}

// jsonEqual compares payloads semantically; Postgres jsonb does not keep the input formatting.
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
