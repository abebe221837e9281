//go:build integration

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func newTestStore(t *testing.T, ttl time.Duration) *IdempotencyStore {
	t.Helper()
	ctx := context.Background()

	redisC, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	uri, err := redisC.ConnectionString(ctx)
	if err != nil {
		t.Fatal(err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	return NewIdempotencyStore(client, ttl)
}

func TestIdempotencyStore_Redis(t *testing.T) {
	s := newTestStore(t, time.Minute)
	ctx := context.Background()

	existing, err := s.Claim(ctx, "reserve:k1", "fp-1")
	if err != nil || existing != nil {
		t.Fatalf("first claim: %v, %v", existing, err)
	}

	existing, err = s.Claim(ctx, "reserve:k1", "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if existing == nil || existing.Completed || existing.Fingerprint != "fp-1" {
		t.Fatalf("expected pending record, got %+v", existing)
	}

	res := &domain.Reservation{
		ReservationID: "r-1",
		Key:           domain.StockKey{SKU: "A"},
		Quantity:      2,
		Status:        domain.ReservationStatusActive,
		ExpiresAt:     time.Date(2025, 1, 1, 12, 10, 0, 0, time.UTC),
	}
	if err := s.Complete(ctx, "reserve:k1", domain.IdempotencyRecord{Fingerprint: "fp-1", Reservation: res}); err != nil {
		t.Fatal(err)
	}

	existing, err = s.Claim(ctx, "reserve:k1", "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if !existing.Completed || existing.Reservation == nil || existing.Reservation.ReservationID != "r-1" {
		t.Fatalf("expected completed record, got %+v", existing)
	}
	if !existing.Reservation.ExpiresAt.Equal(res.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", existing.Reservation.ExpiresAt, res.ExpiresAt)
	}

	if err := s.Forget(ctx, "reserve:k1"); err != nil {
		t.Fatal(err)
	}
	if existing, err := s.Claim(ctx, "reserve:k1", "fp-2"); err != nil || existing != nil {
		t.Errorf("claim after forget: %v, %v", existing, err)
	}
}

func TestIdempotencyStore_RedisExpiry(t *testing.T) {
	s := newTestStore(t, time.Second)
	ctx := context.Background()

	if _, err := s.Claim(ctx, "confirm:k", "fp"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1500 * time.Millisecond)

	if existing, err := s.Claim(ctx, "confirm:k", "fp"); err != nil || existing != nil {
		t.Errorf("expected expired claim to be retaken, got %v, %v", existing, err)
	}
}
