package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"capgate/internal/captcha/domain"
	"capgate/internal/captcha/repository"
)

func TestOpen_Memory(t *testing.T) {
	for _, backend := range []string{"", repository.BackendMemory} {
		repo, closer, err := repository.Open(context.Background(), repository.StoreConfig{Backend: backend})
		if err != nil {
			t.Fatalf("Open(%q): %v", backend, err)
		}
		if _, ok := repo.(*repository.MemoryRepository); !ok {
			t.Errorf("Open(%q) = %T, want *MemoryRepository", backend, repo)
		}
		if err := closer.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestOpen_SQLiteAutoMigrate(t *testing.T) {
	ctx := context.Background()
	repo, closer, err := repository.Open(ctx, repository.StoreConfig{
		Backend:     repository.BackendSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "capgate.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer.Close()

	now := time.Now().UTC()
	tok := &domain.Token{ID: "x", Kind: domain.KindChallenge, Payload: []byte(`{}`), ExpiresAt: now.Add(time.Minute), CreatedAt: now}
	if err := repo.Upsert(ctx, tok); err != nil {
		t.Fatalf("Upsert after auto-migrate: %v", err)
	}
}

func TestOpen_Badger(t *testing.T) {
	repo, closer, err := repository.Open(context.Background(), repository.StoreConfig{Backend: repository.BackendBadger})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closer.Close()
	if _, ok := repo.(*repository.BadgerRepository); !ok {
		t.Errorf("Open = %T, want *BadgerRepository", repo)
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  repository.StoreConfig
	}{
		{"unknown backend", repository.StoreConfig{Backend: "etcd"}},
		{"postgres without DSN", repository.StoreConfig{Backend: repository.BackendPostgres}},
		{"sqlite without path", repository.StoreConfig{Backend: repository.BackendSQLite}},
		{"valkey without URL", repository.StoreConfig{Backend: repository.BackendValkey}},
		{"valkey bad URL", repository.StoreConfig{Backend: repository.BackendValkey, ValkeyURL: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, closer, err := repository.Open(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("Open should return error")
			}
			if repo != nil || closer != nil {
				t.Error("Open should return nil repository and closer on error")
			}
		})
	}
}

func TestOpen_UnknownBackendSentinel(t *testing.T) {
	_, _, err := repository.Open(context.Background(), repository.StoreConfig{Backend: "etcd"})
	if !errors.Is(err, repository.ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}
