package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
)

// DefaultAppliedRetention is how long a MemoryLedger remembers an applied
// idempotency key unless SetRetention says otherwise.
const DefaultAppliedRetention = 24 * time.Hour

type appliedEntry struct {
	key string
	at  time.Time
}

// MemoryLedger is the in-process stock ledger. Every write carries an
// idempotency key; replaying a key that was already applied within the
// retention window is a no-op.
type MemoryLedger struct {
	mu        sync.Mutex
	stock     map[domain.StockKey]int64
	applied   map[string]int64 // idempotency key → resulting total
	order     []appliedEntry   // applied keys, oldest first
	retention time.Duration
	now       func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		stock:     make(map[domain.StockKey]int64),
		applied:   make(map[string]int64),
		retention: DefaultAppliedRetention,
		now:       time.Now,
	}
}

// SetRetention sets how long applied idempotency keys are remembered. It
// must cover the longest window in which a write can be retried.
func (l *MemoryLedger) SetRetention(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retention = d
}

// SetClock replaces the time source. Used by tests.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AppliedLen returns the number of remembered idempotency keys.
func (l *MemoryLedger) AppliedLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

// Seed sets the total for a key, replacing any previous value.
func (l *MemoryLedger) Seed(_ context.Context, rec domain.StockRecord) error {
	if rec.TotalStock < 0 {
		return fmt.Errorf("seed %s: total_stock must be >= 0", rec.Key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[rec.Key] = rec.TotalStock
	return nil
}

// TotalStock returns the ledger total for key, or domain.ErrSKUNotFound.
func (l *MemoryLedger) TotalStock(ctx context.Context, key domain.StockKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	total, ok := l.stock[key]
	if !ok {
		return 0, domain.ErrSKUNotFound
	}
	return total, nil
}

// DecrementStock removes quantity units from key.
func (l *MemoryLedger) DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error {
	if quantity <= 0 {
		return fmt.Errorf("decrement %s: quantity must be positive, got %d", key, quantity)
	}
	_, err := l.AdjustStock(ctx, key, -quantity, idempotencyKey)
	return err
}

// AdjustStock applies delta to key and returns the new total. A positive
// delta on an unknown key creates it. The total never goes below zero.
func (l *MemoryLedger) AdjustStock(ctx context.Context, key domain.StockKey, delta int64, idempotencyKey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if total, ok := l.applied[idempotencyKey]; ok && idempotencyKey != "" {
		return total, nil
	}

	total, ok := l.stock[key]
	if !ok && delta < 0 {
		return 0, domain.ErrSKUNotFound
	}
	if total+delta < 0 {
		return 0, &domain.InsufficientStockError{Key: key, Requested: -delta, Available: total}
	}

	total += delta
	l.stock[key] = total
	if idempotencyKey != "" {
		l.applied[idempotencyKey] = total
		l.order = append(l.order, appliedEntry{key: idempotencyKey, at: now})
	}
	return total, nil
}

// pruneLocked forgets applied keys older than the retention window.
func (l *MemoryLedger) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.retention)
	n := 0
	for n < len(l.order) && l.order[n].at.Before(cutoff) {
		delete(l.applied, l.order[n].key)
		n++
	}
	if n > 0 {
		l.order = append(l.order[:0:0], l.order[n:]...)
	}
}
