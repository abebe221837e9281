// Package redisstore keeps idempotency records in Redis so replays are
// recognized across restarts and replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stockreserve:idem:"

// IdempotencyStore claims request tokens with SETNX and stores completed
// outcomes as JSON. Every record expires after ttl.
type IdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewIdempotencyStore creates an IdempotencyStore on client.
func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Claim reserves key for a new request. It returns nil when the claim was
// taken, or the existing record when the key is already claimed.
func (s *IdempotencyStore) Claim(ctx context.Context, key, fingerprint string) (*domain.IdempotencyRecord, error) {
	pending, err := json.Marshal(domain.IdempotencyRecord{Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}

	// A second attempt covers a record that expired between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, pending, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("claim %s: decode record: %w", key, err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("claim %s: key kept expiring", key)
}

// Complete stores the final outcome for key and restarts its ttl.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, rec domain.IdempotencyRecord) error {
	rec.Completed = true
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Forget drops the claim on key so the request can be retried.
func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", key, err)
	}
	return nil
}
