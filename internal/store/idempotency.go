package store

import (
	"context"
	"sync"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
)

type idempotencyEntry struct {
	record    domain.IdempotencyRecord
	expiresAt time.Time
}

// IdempotencyStore is a thread-safe in-memory store of request outcomes
// keyed by client idempotency tokens. Entries expire after ttl.
type IdempotencyStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	entries   map[string]*idempotencyEntry
	now       func() time.Time
	nextPrune time.Time
}

// NewIdempotencyStore creates an empty IdempotencyStore.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		ttl:     ttl,
		entries: make(map[string]*idempotencyEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *IdempotencyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Claim reserves key for a new request. It returns nil when the claim was
// taken, or a copy of the existing record when the key is already claimed
// (pending or completed) and not yet expired.
func (s *IdempotencyStore) Claim(_ context.Context, key, fingerprint string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		rec := e.record
		return &rec, nil
	}

	s.entries[key] = &idempotencyEntry{
		record:    domain.IdempotencyRecord{Fingerprint: fingerprint},
		expiresAt: now.Add(s.ttl),
	}
	return nil, nil
}

// Complete stores the final outcome for key and restarts its ttl.
func (s *IdempotencyStore) Complete(_ context.Context, key string, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Completed = true
	s.entries[key] = &idempotencyEntry{
		record:    rec,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Forget drops the claim on key so the request can be retried.
func (s *IdempotencyStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of retained entries, expired ones included until
// the next prune.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// pruneLocked drops expired entries at most once per ttl.
func (s *IdempotencyStore) pruneLocked(now time.Time) {
	if now.Before(s.nextPrune) {
		return
	}
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.nextPrune = now.Add(s.ttl)
}
