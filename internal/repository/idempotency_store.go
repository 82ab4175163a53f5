package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyPrefix = "change-requests:idempotency:"

// PendingKeyTTL bounds how long a reservation survives a writer that never settles it.
const PendingKeyTTL = time.Minute

// IdempotencyRecord remembers which operation holds or consumed a key.
type IdempotencyRecord struct {
	RequestID string    `json:"request_id"`
	Operation string    `json:"operation"`
	ActorID   string    `json:"actor_id"`
	Pending   bool      `json:"pending,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
}

// Matches reports whether other names the same operation by the same actor.
func (r IdempotencyRecord) Matches(other IdempotencyRecord) bool {
	return r.RequestID == other.RequestID && r.Operation == other.Operation && r.ActorID == other.ActorID
}

// IdempotencyStore tracks keys through a reservation lifecycle. A writer reserves a
// key before writing, then completes it on success or releases it on failure so the
// same key can be retried.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*IdempotencyRecord, error)
	// Reserve stores a pending record unless the key is already held.
	Reserve(ctx context.Context, key string, record IdempotencyRecord) (bool, error)
	// Complete replaces the reservation with the final record for the full retention.
	Complete(ctx context.Context, key string, record IdempotencyRecord) error
	// Release drops the reservation if it is still the one described by record.
	Release(ctx context.Context, key string, record IdempotencyRecord) error
}

// releaseReservation deletes the key only if it still holds the caller's reservation.
var releaseReservation = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type redisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore stores keys in Redis with the given retention.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration) IdempotencyStore {
	return &redisIdempotencyStore{client: client, ttl: ttl}
}

func (s *redisIdempotencyStore) Lookup(ctx context.Context, key string) (*IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *redisIdempotencyStore) Reserve(ctx context.Context, key string, record IdempotencyRecord) (bool, error) {
	record.Pending = true
	raw, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, idempotencyPrefix+key, raw, PendingKeyTTL).Result()
}

func (s *redisIdempotencyStore) Complete(ctx context.Context, key string, record IdempotencyRecord) error {
	record.Pending = false
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, idempotencyPrefix+key, raw, s.ttl).Err()
}

func (s *redisIdempotencyStore) Release(ctx context.Context, key string, record IdempotencyRecord) error {
	record.Pending = true
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return releaseReservation.Run(ctx, s.client, []string{idempotencyPrefix + key}, string(raw)).Err()
}
