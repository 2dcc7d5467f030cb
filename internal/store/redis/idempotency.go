// Package redis stores idempotency records in Redis so every process behind
// a load balancer shares one claim per key.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

var _ store.IdempotencyStore = (*IdempotencyStore)(nil)

// claimScript inserts a pending record unless a live one exists. It returns
// the current hash when the claim is refused and an empty array otherwise.
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status then
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	if status ~= 'failed' and tonumber(ARGV[1]) < expires then
		return redis.call('HGETALL', KEYS[1])
	end
	redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'token', ARGV[2], 'payload', '', 'created_at', ARGV[1], 'expires_at', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return {}
`)

// settleScript moves a pending record owned by ARGV[1] to ARGV[2].
// 1 = settled, 0 = missing, -1 = not the owner or no longer pending.
var settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] or redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return -1
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'payload', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

type IdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewIdempotencyStore(client *redis.Client, prefix string) *IdempotencyStore {
	if prefix == "" {
		prefix = "kasirledger:idem:"
	}
	return &IdempotencyStore{client: client, prefix: prefix}
}

func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *IdempotencyStore) Close() error {
	return s.client.Close()
}

func (s *IdempotencyStore) key(key string) string {
	return s.prefix + key
}

func (s *IdempotencyStore) Claim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	raw, err := claimScript.Run(ctx, s.client, []string{s.key(rec.Key)},
		now.UTC().UnixMilli(),
		rec.Token,
		rec.ExpiresAt.UTC().UnixMilli(),
	).Slice()
	if err != nil {
		return false, nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if len(raw) == 0 {
		return true, nil, nil
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		name, _ := raw[i].(string)
		value, _ := raw[i+1].(string)
		fields[name] = value
	}
	existing := decodeRecord(rec.Key, fields)
	return false, &existing, nil
}

func (s *IdempotencyStore) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	rec := decodeRecord(key, fields)
	return &rec, nil
}

func (s *IdempotencyStore) CompleteIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settle(ctx, key, token, domain.IdempotencyCompleted, payload, expiresAt)
}

func (s *IdempotencyStore) FailIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settle(ctx, key, token, domain.IdempotencyFailed, payload, expiresAt)
}

func (s *IdempotencyStore) settle(ctx context.Context, key string, token string, status domain.IdempotencyStatus, payload []byte, expiresAt time.Time) error {
	result, err := settleScript.Run(ctx, s.client, []string{s.key(key)},
		token,
		string(status),
		string(payload),
		expiresAt.UTC().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("settle idempotency key: %w", err)
	}
	switch result {
	case 0:
		return domain.ErrNotFound
	case -1:
		return domain.ErrConcurrencyConflict
	}
	return nil
}

// PurgeExpiredIdempotency is a no-op: every record carries a Redis expiry at
// its ExpiresAt, so the server drops it on time.
func (s *IdempotencyStore) PurgeExpiredIdempotency(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func decodeRecord(key string, fields map[string]string) domain.IdempotencyRecord {
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	rec := domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyStatus(fields["status"]),
		Token:     fields["token"],
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
	}
	if payload := fields["payload"]; payload != "" {
		rec.Payload = []byte(payload)
	}
	return rec
}
