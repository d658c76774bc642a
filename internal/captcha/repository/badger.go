package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"capgate/internal/captcha/domain"
	"capgate/internal/logging"
)

var badgerKeyPrefix = []byte("token/")

// badgerRecord is the value stored per key. Badger's own ExpiresAt has second granularity,
// so the exact deadline is kept in the record as well.
type badgerRecord struct {
	Kind      domain.Kind `json:"kind"`
	Payload   []byte      `json:"payload"`
	ExpiresAt int64       `json:"expires_at"`
	CreatedAt int64       `json:"created_at"`
}

// BadgerRepository stores tokens in an embedded Badger database with per-entry TTLs.
// Consume runs in a read-write transaction; with conflict detection on, a second concurrent
// consumer fails to commit and is reported as having consumed nothing.
type BadgerRepository struct {
	db *badger.DB
}

var _ Repository = (*BadgerRepository)(nil)

// NewBadgerRepository opens a Badger database in dir. An empty dir opens an in-memory database.
func NewBadgerRepository(dir string, logger *slog.Logger) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithDetectConflicts(true)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}
	return &BadgerRepository{db: db}, nil
}

func badgerKey(id string) []byte {
	return append(append([]byte(nil), badgerKeyPrefix...), id...)
}

// Upsert writes the token with a TTL at its expiry.
func (r *BadgerRepository) Upsert(ctx context.Context, t *domain.Token) error {
	val, err := json.Marshal(badgerRecord{
		Kind:      t.Kind,
		Payload:   t.Payload,
		ExpiresAt: t.ExpiresAt.UnixMilli(),
		CreatedAt: t.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	e := badger.NewEntry(badgerKey(t.ID), val)
	// Round up so Badger never evicts before the recorded deadline.
	e.ExpiresAt = uint64(t.ExpiresAt.Add(time.Second - 1).Unix())
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(e)
	})
}

// GetByID returns the token for id, or nil if it is missing or evicted.
func (r *BadgerRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	var tok *domain.Token
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		tok, err = getBadgerToken(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// Delete removes the token by id.
func (r *BadgerRepository) Delete(ctx context.Context, id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
}

// Consume reads and deletes the token in one transaction.
func (r *BadgerRepository) Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error) {
	var tok *domain.Token
	err := r.db.Update(func(txn *badger.Txn) error {
		t, err := getBadgerToken(txn, id)
		if err != nil || t == nil {
			return err
		}
		if t.Kind != kind || t.Expired(now) {
			return nil
		}
		if err := txn.Delete(badgerKey(id)); err != nil {
			return err
		}
		tok = t
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// DeleteExpired removes tokens whose recorded deadline has passed but whose Badger TTL has not
// fired yet (the sub-second window left by rounding). Evicted entries are not counted.
// Each candidate is re-read in the transaction that deletes it, so a token re-issued under the
// same id after the scan survives.
func (r *BadgerRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var candidates []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec badgerRecord
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			if rec.ExpiresAt <= now.UnixMilli() {
				candidates = append(candidates, string(item.Key()[len(badgerKeyPrefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		deleted, err := r.deleteIfExpired(id, now)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// deleteIfExpired deletes id only if the stored record is still past its deadline.
// A conflicting write means the record changed under us, so the check runs again.
func (r *BadgerRepository) deleteIfExpired(id string, now time.Time) (bool, error) {
	for {
		var deleted bool
		err := r.db.Update(func(txn *badger.Txn) error {
			deleted = false
			t, err := getBadgerToken(txn, id)
			if err != nil || t == nil || !t.Expired(now) {
				return err
			}
			if err := txn.Delete(badgerKey(id)); err != nil {
				return err
			}
			deleted = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return deleted, err
	}
}

// Ping reports ErrClosed once the database has been closed.
func (r *BadgerRepository) Ping(ctx context.Context) error {
	if r.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

func getBadgerToken(txn *badger.Txn, id string) (*domain.Token, error) {
	item, err := txn.Get(badgerKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec badgerRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, fmt.Errorf("badger: token %s: %w", logging.TokenPrefix(id), err)
	}
	return &domain.Token{
		ID:        id,
		Kind:      rec.Kind,
		Payload:   rec.Payload,
		ExpiresAt: time.UnixMilli(rec.ExpiresAt).UTC(),
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
	}, nil
}

// badgerLogger routes Badger's printf-style logs into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.logger.Error(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.logger.Warn(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.logger.Debug(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.logger.Debug(fmt.Sprintf(f, v...)) }
