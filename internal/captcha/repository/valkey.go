package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkey "github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"

	"capgate/internal/captcha/domain"
	"capgate/internal/logging"
)

// Errors returned when building a Valkey/Redis repository.
var (
	ErrNoValkeyURL  = errors.New("valkey: no URL defined")
	ErrBadValkeyURL = errors.New("valkey: URL is invalid")
)

const valkeyKeyPrefix = "capgate:token:"

// consumeScript deletes the hash at KEYS[1] and returns its fields only if its kind is ARGV[1]
// and its expires_at (unix ms) is after ARGV[2]. Runs atomically on the server.
var consumeScript = valkey.NewScript(`
if redis.call('HGET', KEYS[1], 'kind') ~= ARGV[1] then
	return false
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp == nil or exp <= tonumber(ARGV[2]) then
	return false
end
local fields = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return fields
`)

// redisClient is satisfied by *valkey.Client and *valkey.ClusterClient.
type redisClient interface {
	valkey.Scripter
	HGetAll(ctx context.Context, key string) *valkey.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *valkey.IntCmd
	TxPipelined(ctx context.Context, fn func(valkey.Pipeliner) error) ([]valkey.Cmder, error)
	Ping(ctx context.Context) *valkey.StatusCmd
	Close() error
}

// ValkeyRepository stores each token as a hash with a native PEXPIREAT, so expired tokens
// disappear on their own and DeleteExpired has nothing left to remove.
type ValkeyRepository struct {
	client redisClient
}

var _ Repository = (*ValkeyRepository)(nil)

// ValidValkeyURL checks that rawURL is a parseable redis:// or rediss:// URL.
func ValidValkeyURL(rawURL string) error {
	if rawURL == "" {
		return ErrNoValkeyURL
	}
	if _, err := valkey.ParseURL(rawURL); err != nil {
		return fmt.Errorf("%w: %v", ErrBadValkeyURL, err)
	}
	return nil
}

// NewValkeyRepository connects to rawURL and fails fast if the server is unreachable.
// When cluster is true the URL's address is used as the cluster seed node.
func NewValkeyRepository(ctx context.Context, rawURL string, cluster bool) (*ValkeyRepository, error) {
	if err := ValidValkeyURL(rawURL); err != nil {
		return nil, err
	}
	opts, err := valkey.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadValkeyURL, err)
	}

	var client redisClient
	if cluster {
		client = valkey.NewClusterClient(clusterOptions(opts))
	} else {
		opts.MaintNotificationsConfig = &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		}
		client = valkey.NewClient(opts)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("valkey: ping failed: %w", err)
	}
	return &ValkeyRepository{client: client}, nil
}

// clusterOptions seeds a cluster client from a parsed single-node URL.
func clusterOptions(opts *valkey.Options) *valkey.ClusterOptions {
	return &valkey.ClusterOptions{
		Addrs:     []string{opts.Addr},
		Username:  opts.Username,
		Password:  opts.Password,
		TLSConfig: opts.TLSConfig,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
}

// Upsert replaces the hash for t.ID and sets its expiry.
func (r *ValkeyRepository) Upsert(ctx context.Context, t *domain.Token) error {
	key := valkeyKeyPrefix + t.ID
	_, err := r.client.TxPipelined(ctx, func(p valkey.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"kind", string(t.Kind),
			"payload", t.Payload,
			"expires_at", strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10),
			"created_at", strconv.FormatInt(t.CreatedAt.UnixMilli(), 10),
		)
		p.PExpireAt(ctx, key, t.ExpiresAt)
		return nil
	})
	return err
}

// GetByID returns the token for id, or nil if it is missing or already expired.
func (r *ValkeyRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	fields, err := r.client.HGetAll(ctx, valkeyKeyPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return tokenFromHash(id, fields)
}

// Delete removes the token by id.
func (r *ValkeyRepository) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, valkeyKeyPrefix+id).Err()
}

// Consume runs consumeScript so the check and the delete happen in one server-side step.
func (r *ValkeyRepository) Consume(ctx context.Context, id string, kind domain.Kind, now time.Time) (*domain.Token, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{valkeyKeyPrefix + id},
		string(kind), strconv.FormatInt(now.UnixMilli(), 10)).StringSlice()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, err
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return tokenFromHash(id, fields)
}

// DeleteExpired is a no-op: the server evicts tokens at their PEXPIREAT deadline.
func (r *ValkeyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Ping checks the server connection.
func (r *ValkeyRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *ValkeyRepository) Close() error {
	return r.client.Close()
}

func tokenFromHash(id string, fields map[string]string) (*domain.Token, error) {
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("valkey: token %s: bad expires_at: %w", logging.TokenPrefix(id), err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("valkey: token %s: bad created_at: %w", logging.TokenPrefix(id), err)
	}
	return &domain.Token{
		ID:        id,
		Kind:      domain.Kind(fields["kind"]),
		Payload:   []byte(fields["payload"]),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}, nil
}
