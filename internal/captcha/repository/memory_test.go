package repository_test

import (
	"context"
	"testing"
	"time"

	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/repository"
	"capgate/internal/captcha/repository/repositorytest"
)

func TestMemoryRepository(t *testing.T) {
	repositorytest.Common(t, func(t *testing.T) repository.Repository {
		return repository.NewMemoryRepository()
	}, repositorytest.Options{})
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	tok := &domain.Token{
		ID:        "t1",
		Kind:      domain.KindChallenge,
		Payload:   []byte(`{"c":1}`),
		ExpiresAt: time.Now().Add(time.Minute),
		CreatedAt: time.Now(),
	}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	tok.Payload[0] = 'X'

	got, err := repo.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if string(got.Payload) != `{"c":1}` {
		t.Errorf("Payload = %s, caller mutation leaked into the store", got.Payload)
	}
	got.Payload[0] = 'Y'
	again, _ := repo.GetByID(ctx, "t1")
	if string(again.Payload) != `{"c":1}` {
		t.Errorf("Payload = %s, returned slice aliases the store", again.Payload)
	}
}

func TestMemoryRepository_Len(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	if repo.Len() != 0 {
		t.Fatalf("Len = %d, want 0", repo.Len())
	}
	now := time.Now()
	for _, id := range []string{"a", "b"} {
		_ = repo.Upsert(ctx, &domain.Token{ID: id, Kind: domain.KindSolution, Payload: []byte(`{}`), ExpiresAt: now.Add(-time.Second), CreatedAt: now})
	}
	if repo.Len() != 2 {
		t.Errorf("Len = %d, want 2 (expired tokens stay until swept)", repo.Len())
	}
	if _, err := repo.DeleteExpired(ctx, now); err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if repo.Len() != 0 {
		t.Errorf("Len after sweep = %d, want 0", repo.Len())
	}
}
