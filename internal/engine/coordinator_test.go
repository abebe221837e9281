package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/store"
)

var (
	testStart     = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func sku(id string) domain.StockKey {
	return domain.StockKey{SKU: id}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher captures every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StockEvent
}

func (p *recordingPublisher) Publish(e domain.StockEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Events() []domain.StockEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.StockEvent, len(p.events))
	copy(out, p.events)
	return out
}

// failingLedger fails writes while err is set.
type failingLedger struct {
	*store.MemoryLedger
	mu  sync.Mutex
	err error
}

func (l *failingLedger) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *failingLedger) getErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *failingLedger) DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error {
	if err := l.getErr(); err != nil {
		return err
	}
	return l.MemoryLedger.DecrementStock(ctx, key, quantity, idempotencyKey)
}

func (l *failingLedger) AdjustStock(ctx context.Context, key domain.StockKey, delta int64, idempotencyKey string) (int64, error) {
	if err := l.getErr(); err != nil {
		return 0, err
	}
	return l.MemoryLedger.AdjustStock(ctx, key, delta, idempotencyKey)
}

// blockingLedger parks every decrement until proceed is closed.
type blockingLedger struct {
	*store.MemoryLedger
	entered chan struct{}
	proceed chan struct{}
}

func (l *blockingLedger) DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error {
	l.entered <- struct{}{}
	<-l.proceed
	return l.MemoryLedger.DecrementStock(ctx, key, quantity, idempotencyKey)
}

// lostReplyLedger applies writes but reports a timeout for the first lost
// of them, as when the reply is lost after the ledger committed.
type lostReplyLedger struct {
	*store.MemoryLedger
	lost atomic.Int32
}

func (l *lostReplyLedger) DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error {
	if err := l.MemoryLedger.DecrementStock(ctx, key, quantity, idempotencyKey); err != nil {
		return err
	}
	if l.lost.Add(-1) >= 0 {
		return context.DeadlineExceeded
	}
	return nil
}

func (l *lostReplyLedger) AdjustStock(ctx context.Context, key domain.StockKey, delta int64, idempotencyKey string) (int64, error) {
	total, err := l.MemoryLedger.AdjustStock(ctx, key, delta, idempotencyKey)
	if err != nil {
		return 0, err
	}
	if l.lost.Add(-1) >= 0 {
		return 0, context.DeadlineExceeded
	}
	return total, nil
}

func newLostReplyEnv(stock map[domain.StockKey]int64, lost int32) (*testEnv, *lostReplyLedger) {
	ledger := &lostReplyLedger{MemoryLedger: seededLedger(stock)}
	ledger.lost.Store(lost)
	return newTestEnv(ledger, ledger.MemoryLedger), ledger
}

type testEnv struct {
	coord        *Coordinator
	sweeper      *Sweeper
	ledger       *store.MemoryLedger
	reservations *store.ReservationStore
	clock        *fakeClock
	events       *recordingPublisher
}

func seededLedger(stock map[domain.StockKey]int64) *store.MemoryLedger {
	ledger := store.NewMemoryLedger()
	for key, total := range stock {
		if err := ledger.Seed(context.Background(), domain.StockRecord{Key: key, TotalStock: total}); err != nil {
			panic(err)
		}
	}
	return ledger
}

// newTestEnv wires a coordinator over ledger. The memory ledger underneath
// must be passed as mem so tests can inspect it.
func newTestEnv(ledger Ledger, mem *store.MemoryLedger) *testEnv {
	clock := &fakeClock{now: testStart}
	reservations := store.NewReservationStore()
	events := &recordingPublisher{}
	coord := NewCoordinator(Options{
		DefaultTTL:        10 * time.Minute,
		MaxTTL:            time.Hour,
		LowStockThreshold: 2,
	}, reservations, ledger, events, nil, discardLogger)
	coord.SetClock(clock.Now)
	return &testEnv{
		coord:        coord,
		sweeper:      NewSweeper(time.Second, time.Hour, coord, reservations, nil, discardLogger),
		ledger:       mem,
		reservations: reservations,
		clock:        clock,
		events:       events,
	}
}

func newMemoryEnv(stock map[domain.StockKey]int64) *testEnv {
	mem := seededLedger(stock)
	return newTestEnv(mem, mem)
}

func mustAvailability(t *testing.T, env *testEnv, key domain.StockKey) domain.Availability {
	t.Helper()
	a, err := env.coord.Availability(context.Background(), key)
	if err != nil {
		t.Fatalf("availability %s: %v", key, err)
	}
	return a
}

func mustReserve(t *testing.T, env *testEnv, key domain.StockKey, qty int64, ttl time.Duration) domain.Reservation {
	t.Helper()
	r, err := env.coord.Reserve(context.Background(), key, qty, "holder-1", ttl)
	if err != nil {
		t.Fatalf("reserve %d of %s: %v", qty, key, err)
	}
	return r
}

func ptr(v int64) *int64 { return &v }

func TestReserve_SecondReserveExceedingAvailableFails(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 3, 0)
	if r.Status != domain.ReservationStatusActive {
		t.Errorf("expected active, got %s", r.Status)
	}
	if r.ReservationID == "" {
		t.Error("expected a reservation id")
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 2 {
		t.Fatalf("expected available 2, got %d", a.AvailableStock)
	}

	_, err := env.coord.Reserve(ctx, sku("A"), 3, "holder-2", 0)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) || stockErr.Available != 2 || stockErr.Requested != 3 {
		t.Errorf("expected requested 3 available 2, got %+v", stockErr)
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 2 {
		t.Errorf("available changed after failed reserve: %d", a.AvailableStock)
	}
}

func TestReserve_DefaultAndMaxTTL(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})

	r := mustReserve(t, env, sku("A"), 1, 0)
	if want := testStart.Add(10 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Errorf("expected default deadline %v, got %v", want, r.ExpiresAt)
	}

	r = mustReserve(t, env, sku("A"), 1, 30*time.Second)
	if want := testStart.Add(30 * time.Second); !r.ExpiresAt.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, r.ExpiresAt)
	}

	_, err := env.coord.Reserve(context.Background(), sku("A"), 1, "h", 2*time.Hour)
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected ValidationError for ttl above max, got %v", err)
	}
}

func TestReserve_Validation(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})

	for _, qty := range []int64{0, -1} {
		_, err := env.coord.Reserve(context.Background(), sku("A"), qty, "h", 0)
		var validationErr *domain.ValidationError
		if !errors.As(err, &validationErr) {
			t.Errorf("quantity %d: expected ValidationError, got %v", qty, err)
		}
	}
	if got := env.reservations.Len(); got != 0 {
		t.Errorf("expected no reservations, got %d", got)
	}
}

func TestReserve_UnknownSKU(t *testing.T) {
	env := newMemoryEnv(nil)

	_, err := env.coord.Reserve(context.Background(), sku("missing"), 1, "h", 0)
	if !errors.Is(err, domain.ErrSKUNotFound) {
		t.Fatalf("expected ErrSKUNotFound, got %v", err)
	}
}

func TestReserve_VariantsAreIndependent(t *testing.T) {
	red := domain.StockKey{SKU: "shirt", Variant: "red"}
	blue := domain.StockKey{SKU: "shirt", Variant: "blue"}
	env := newMemoryEnv(map[domain.StockKey]int64{red: 1, blue: 1})

	mustReserve(t, env, red, 1, 0)
	if a := mustAvailability(t, env, blue); a.AvailableStock != 1 {
		t.Errorf("expected blue untouched, got available %d", a.AvailableStock)
	}
}

func TestReserve_ConcurrentLastUnit(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 1})

	var (
		wg           sync.WaitGroup
		successes    atomic.Int32
		insufficient atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.coord.Reserve(context.Background(), sku("A"), 1, "h", 0)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || insufficient.Load() != 1 {
		t.Fatalf("expected 1 success and 1 insufficient, got %d and %d", successes.Load(), insufficient.Load())
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 0 || !a.IsOutOfStock {
		t.Errorf("expected out of stock, got %+v", a)
	}
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	const (
		capacity   = 10
		quantity   = 3
		goroutines = 20
	)
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): capacity})

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.coord.Reserve(context.Background(), sku("A"), quantity, "h", 0); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != capacity/quantity {
		t.Fatalf("expected %d successes, got %d", capacity/quantity, got)
	}
	a := mustAvailability(t, env, sku("A"))
	if a.AvailableStock != capacity%quantity || a.ReservedStock != (capacity/quantity)*quantity {
		t.Errorf("unexpected availability %+v", a)
	}
}

func TestConfirm_DecrementsLedgerOnce(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 2, 0)
	before := mustAvailability(t, env, sku("A"))

	confirmed, err := env.coord.Confirm(ctx, r.ReservationID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.ReservationStatusConfirmed {
		t.Errorf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.TerminatedAt == nil {
		t.Error("expected terminated_at to be set")
	}

	total, _ := env.ledger.TotalStock(ctx, sku("A"))
	if total != 3 {
		t.Errorf("expected ledger total 3, got %d", total)
	}
	after := mustAvailability(t, env, sku("A"))
	if after.AvailableStock != before.AvailableStock {
		t.Errorf("available moved on confirm: %d → %d", before.AvailableStock, after.AvailableStock)
	}
	if after.TotalStock != 3 || after.ReservedStock != 0 {
		t.Errorf("expected total 3 reserved 0, got %+v", after)
	}

	_, err = env.coord.Confirm(ctx, r.ReservationID)
	if !errors.Is(err, domain.ErrReservationTerminal) {
		t.Errorf("expected ErrReservationTerminal on second confirm, got %v", err)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 3 {
		t.Errorf("second confirm touched the ledger: total %d", total)
	}
}

func TestConfirm_PastDeadlineExpires(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 2, time.Minute)
	env.clock.Advance(time.Minute + time.Second)

	_, err := env.coord.Confirm(ctx, r.ReservationID)
	if !errors.Is(err, domain.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	got, _ := env.coord.Get(ctx, r.ReservationID)
	if got.Status != domain.ReservationStatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 5 {
		t.Errorf("expected ledger untouched, got %d", total)
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 5 {
		t.Errorf("expected available 5, got %d", a.AvailableStock)
	}
}

func TestConfirm_AtDeadlineSucceeds(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})

	r := mustReserve(t, env, sku("A"), 2, time.Minute)
	env.clock.Advance(time.Minute)

	if _, err := env.coord.Confirm(context.Background(), r.ReservationID); err != nil {
		t.Fatalf("confirm at the deadline: %v", err)
	}
}

func TestConfirm_LedgerFailureLeavesReservationActive(t *testing.T) {
	ledger := &failingLedger{MemoryLedger: seededLedger(map[domain.StockKey]int64{sku("A"): 5})}
	env := newTestEnv(ledger, ledger.MemoryLedger)
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 2, 0)
	ledger.setErr(errors.New("connection refused"))

	_, err := env.coord.Confirm(ctx, r.ReservationID)
	if !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	got, _ := env.coord.Get(ctx, r.ReservationID)
	if got.Status != domain.ReservationStatusActive || got.Confirming {
		t.Errorf("expected active and not confirming, got %s confirming=%v", got.Status, got.Confirming)
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 3 || a.TotalStock != 5 {
		t.Errorf("unexpected availability after failed confirm: %+v", a)
	}

	ledger.setErr(nil)
	if _, err := env.coord.Confirm(ctx, r.ReservationID); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 3 {
		t.Errorf("expected ledger total 3, got %d", total)
	}
}

func TestConfirm_LostReplyThenReleaseReloadsTotal(t *testing.T) {
	env, _ := newLostReplyEnv(map[domain.StockKey]int64{sku("A"): 5}, 1)
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 5, 0)
	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	got, _ := env.coord.Get(ctx, r.ReservationID)
	if got.Status != domain.ReservationStatusActive || !got.ConfirmUncertain {
		t.Fatalf("expected active and uncertain, got %s uncertain=%v", got.Status, got.ConfirmUncertain)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 0 {
		t.Fatalf("expected the ledger to hold 0 after the lost reply, got %d", total)
	}

	if _, err := env.coord.Release(ctx, r.ReservationID, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	a := mustAvailability(t, env, sku("A"))
	if a.TotalStock != 0 || a.AvailableStock != 0 {
		t.Errorf("expected the ledger total after release, got %+v", a)
	}
	if _, err := env.coord.Reserve(ctx, sku("A"), 5, "holder-2", 0); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock, got %v", err)
	}

	events := env.events.Events()
	last := events[len(events)-1]
	if last.Reason != domain.EventReasonAdjusted || last.Availability.TotalStock != 0 {
		t.Errorf("expected a reload event with total 0, got %+v", last)
	}
}

func TestConfirm_LostReplyThenRetryAppliesOnce(t *testing.T) {
	env, _ := newLostReplyEnv(map[domain.StockKey]int64{sku("A"): 5}, 1)
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 2, 0)
	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	got, err := env.coord.Confirm(ctx, r.ReservationID)
	if err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if got.Status != domain.ReservationStatusConfirmed || got.ConfirmUncertain {
		t.Errorf("expected confirmed and settled, got %s uncertain=%v", got.Status, got.ConfirmUncertain)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 3 {
		t.Errorf("expected ledger total 3, got %d", total)
	}
	if a := mustAvailability(t, env, sku("A")); a.TotalStock != 3 || a.AvailableStock != 3 {
		t.Errorf("unexpected availability: %+v", a)
	}
}

func TestRelease_PartialAfterLostConfirmReplyRejected(t *testing.T) {
	env, _ := newLostReplyEnv(map[domain.StockKey]int64{sku("A"): 5}, 1)
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 4, 0)
	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if _, err := env.coord.Release(ctx, r.ReservationID, ptr(1)); !errors.Is(err, domain.ErrConfirmInProgress) {
		t.Fatalf("expected ErrConfirmInProgress, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.ReservedStock != 4 || a.AvailableStock != 1 {
		t.Errorf("expected the hold untouched, got %+v", a)
	}
}

func TestConfirm_LedgerVerdictsPassThrough(t *testing.T) {
	tests := []struct {
		name    string
		ledger  error
		wantErr error
	}{
		{"insufficient", &domain.InsufficientStockError{Key: sku("A"), Requested: 2, Available: 1}, domain.ErrInsufficientStock},
		{"unknown sku", domain.ErrSKUNotFound, domain.ErrSKUNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &failingLedger{MemoryLedger: seededLedger(map[domain.StockKey]int64{sku("A"): 5})}
			env := newTestEnv(ledger, ledger.MemoryLedger)
			ctx := context.Background()

			r := mustReserve(t, env, sku("A"), 2, 0)
			ledger.setErr(tt.ledger)

			_, err := env.coord.Confirm(ctx, r.ReservationID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if errors.Is(err, domain.ErrLedgerUnavailable) {
				t.Errorf("ledger verdict reported as unavailable: %v", err)
			}
			got, _ := env.coord.Get(ctx, r.ReservationID)
			if got.Status != domain.ReservationStatusActive || got.ConfirmUncertain {
				t.Errorf("expected active and settled, got %s uncertain=%v", got.Status, got.ConfirmUncertain)
			}
		})
	}
}

func TestConfirm_RefusedByLedgerReloadsTotal(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 3, 0)
	// Another writer drains the ledger behind the coordinator's back.
	if err := env.ledger.Seed(ctx, domain.StockRecord{Key: sku("A"), TotalStock: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.TotalStock != 1 || a.AvailableStock != 0 {
		t.Errorf("expected the ledger total to be reloaded, got %+v", a)
	}
}

func TestConfirm_InFlightBlocksReleaseAndSweep(t *testing.T) {
	ledger := &blockingLedger{
		MemoryLedger: seededLedger(map[domain.StockKey]int64{sku("A"): 5}),
		entered:      make(chan struct{}, 1),
		proceed:      make(chan struct{}),
	}
	env := newTestEnv(ledger, ledger.MemoryLedger)
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 2, time.Minute)

	type result struct {
		r   domain.Reservation
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := env.coord.Confirm(ctx, r.ReservationID)
		done <- result{got, err}
	}()
	<-ledger.entered

	// The key lock is free while the ledger call is in flight.
	other := mustReserve(t, env, sku("A"), 3, time.Minute)

	if _, err := env.coord.Release(ctx, r.ReservationID, nil); !errors.Is(err, domain.ErrConfirmInProgress) {
		t.Errorf("release: expected ErrConfirmInProgress, got %v", err)
	}
	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrConfirmInProgress) {
		t.Errorf("confirm: expected ErrConfirmInProgress, got %v", err)
	}

	env.clock.Advance(2 * time.Minute)
	res := env.sweeper.Sweep(ctx, env.clock.Now())
	if res.Expired != 1 {
		t.Errorf("expected only the other reservation to expire, got %d", res.Expired)
	}

	close(ledger.proceed)
	out := <-done
	if out.err != nil {
		t.Fatalf("confirm: %v", out.err)
	}
	if out.r.Status != domain.ReservationStatusConfirmed {
		t.Errorf("expected confirmed, got %s", out.r.Status)
	}

	got, _ := env.coord.Get(ctx, other.ReservationID)
	if got.Status != domain.ReservationStatusExpired {
		t.Errorf("expected other reservation expired, got %s", got.Status)
	}
	a := mustAvailability(t, env, sku("A"))
	if a.TotalStock != 3 || a.ReservedStock != 0 || a.AvailableStock != 3 {
		t.Errorf("unexpected availability %+v", a)
	}
}

func TestRelease_Partial(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 10})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 4, 0)
	before := mustAvailability(t, env, sku("A"))

	env.clock.Advance(time.Second)
	got, err := env.coord.Release(ctx, r.ReservationID, ptr(2))
	if err != nil {
		t.Fatalf("partial release: %v", err)
	}
	if got.Status != domain.ReservationStatusActive || got.Quantity != 2 {
		t.Errorf("expected active with quantity 2, got %s %d", got.Status, got.Quantity)
	}
	if got.ReservationID != r.ReservationID {
		t.Error("partial release changed the reservation id")
	}
	if !got.UpdatedAt.After(r.UpdatedAt) {
		t.Error("expected updated_at to advance")
	}
	after := mustAvailability(t, env, sku("A"))
	if after.AvailableStock-before.AvailableStock != 2 {
		t.Errorf("expected available +2, got %d → %d", before.AvailableStock, after.AvailableStock)
	}

	got, err = env.coord.Release(ctx, r.ReservationID, nil)
	if err != nil {
		t.Fatalf("full release: %v", err)
	}
	if got.Status != domain.ReservationStatusReleased {
		t.Errorf("expected released, got %s", got.Status)
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 10 {
		t.Errorf("expected available 10, got %d", a.AvailableStock)
	}
}

func TestRelease_QuantityAboveHeldReleasesAll(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 10})

	r := mustReserve(t, env, sku("A"), 4, 0)
	got, err := env.coord.Release(context.Background(), r.ReservationID, ptr(9))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.Status != domain.ReservationStatusReleased || got.Quantity != 4 {
		t.Errorf("expected released with quantity 4, got %s %d", got.Status, got.Quantity)
	}
}

func TestRelease_Errors(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 10})
	ctx := context.Background()

	if _, err := env.coord.Release(ctx, "nope", nil); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}

	r := mustReserve(t, env, sku("A"), 4, time.Minute)
	var validationErr *domain.ValidationError
	if _, err := env.coord.Release(ctx, r.ReservationID, ptr(0)); !errors.As(err, &validationErr) {
		t.Errorf("expected ValidationError, got %v", err)
	}

	if _, err := env.coord.Release(ctx, r.ReservationID, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.coord.Release(ctx, r.ReservationID, nil); !errors.Is(err, domain.ErrReservationTerminal) {
		t.Errorf("expected ErrReservationTerminal, got %v", err)
	}
	if _, err := env.coord.Confirm(ctx, r.ReservationID); !errors.Is(err, domain.ErrReservationTerminal) {
		t.Errorf("expected ErrReservationTerminal on confirm, got %v", err)
	}
}

func TestRelease_PastDeadlineExpires(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 10})
	ctx := context.Background()

	r := mustReserve(t, env, sku("A"), 4, time.Minute)
	env.clock.Advance(2 * time.Minute)

	if _, err := env.coord.Release(ctx, r.ReservationID, nil); !errors.Is(err, domain.ErrReservationExpired) {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if _, err := env.coord.Release(ctx, r.ReservationID, nil); !errors.Is(err, domain.ErrReservationExpired) {
		t.Errorf("expected ErrReservationExpired again, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.AvailableStock != 10 {
		t.Errorf("expected available 10, got %d", a.AvailableStock)
	}
}

func TestAvailability_UnsweptHoldsStillCount(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 3})

	mustReserve(t, env, sku("A"), 2, time.Minute)
	env.clock.Advance(5 * time.Minute)

	a := mustAvailability(t, env, sku("A"))
	if a.ReservedStock != 2 || a.AvailableStock != 1 {
		t.Errorf("expected reserved 2 available 1 before sweep, got %+v", a)
	}
	if !a.IsStockLow {
		t.Error("expected low stock at available 1 with threshold 2")
	}
}

func TestCheckStock(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5, sku("B"): 1})
	ctx := context.Background()

	res, err := env.coord.CheckStock(ctx, []CheckItem{
		{Key: sku("A"), Quantity: 3},
		{Key: sku("A"), Quantity: 3},
		{Key: sku("B"), Quantity: 1},
		{Key: sku("C"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Satisfiable {
		t.Error("expected unsatisfiable")
	}
	wantOK := []bool{false, false, true, false}
	for i, d := range res.Details {
		if d.Satisfiable != wantOK[i] {
			t.Errorf("detail %d: satisfiable = %v, want %v", i, d.Satisfiable, wantOK[i])
		}
	}
	if !res.Details[3].SKUNotFound {
		t.Error("expected unknown SKU to be flagged")
	}
	if res.Details[0].Available != 5 {
		t.Errorf("expected available 5, got %d", res.Details[0].Available)
	}

	res, err = env.coord.CheckStock(ctx, []CheckItem{{Key: sku("A"), Quantity: 5}})
	if err != nil || !res.Satisfiable {
		t.Errorf("expected satisfiable, got %+v, %v", res, err)
	}
	if env.reservations.Len() != 0 {
		t.Error("check stock must not reserve")
	}

	_, err = env.coord.CheckStock(ctx, []CheckItem{{Key: sku("A"), Quantity: 0}})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestAdjustStock(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	a, err := env.coord.AdjustStock(ctx, sku("A"), 5)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if a.TotalStock != 10 {
		t.Errorf("expected total 10, got %d", a.TotalStock)
	}

	a, err = env.coord.AdjustStock(ctx, sku("A"), -3)
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if a.TotalStock != 7 {
		t.Errorf("expected total 7, got %d", a.TotalStock)
	}
	if total, _ := env.ledger.TotalStock(ctx, sku("A")); total != 7 {
		t.Errorf("expected ledger 7, got %d", total)
	}

	mustReserve(t, env, sku("A"), 6, 0)
	_, err = env.coord.AdjustStock(ctx, sku("A"), -2)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock shrinking below reserved, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.TotalStock != 7 {
		t.Errorf("failed shrink changed total to %d", a.TotalStock)
	}

	var validationErr *domain.ValidationError
	if _, err := env.coord.AdjustStock(ctx, sku("A"), 0); !errors.As(err, &validationErr) {
		t.Errorf("expected ValidationError for zero delta, got %v", err)
	}
}

func TestAdjustStock_RestockCreatesKey(t *testing.T) {
	env := newMemoryEnv(nil)
	ctx := context.Background()

	if _, err := env.coord.AdjustStock(ctx, sku("new"), -1); !errors.Is(err, domain.ErrSKUNotFound) {
		t.Errorf("expected ErrSKUNotFound shrinking unknown key, got %v", err)
	}

	a, err := env.coord.AdjustStock(ctx, sku("new"), 4)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if a.TotalStock != 4 {
		t.Errorf("expected total 4, got %d", a.TotalStock)
	}
	mustReserve(t, env, sku("new"), 4, 0)
}

func TestAdjustStock_ShrinkRollsBackOnLedgerFailure(t *testing.T) {
	ledger := &failingLedger{MemoryLedger: seededLedger(map[domain.StockKey]int64{sku("A"): 5})}
	env := newTestEnv(ledger, ledger.MemoryLedger)
	ctx := context.Background()

	mustAvailability(t, env, sku("A"))
	ledger.setErr(errors.New("timeout"))

	if _, err := env.coord.AdjustStock(ctx, sku("A"), -2); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.TotalStock != 5 {
		t.Errorf("expected total restored to 5, got %d", a.TotalStock)
	}
	if _, err := env.coord.AdjustStock(ctx, sku("A"), 2); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Errorf("expected ErrLedgerUnavailable on restock, got %v", err)
	}
}

func TestAdjustStock_ShrinkLostReplyReloadsTotal(t *testing.T) {
	env, ledger := newLostReplyEnv(map[domain.StockKey]int64{sku("A"): 5}, 0)
	ctx := context.Background()

	mustAvailability(t, env, sku("A"))
	ledger.lost.Store(1)

	if _, err := env.coord.AdjustStock(ctx, sku("A"), -2); !errors.Is(err, domain.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if a := mustAvailability(t, env, sku("A")); a.TotalStock != 3 {
		t.Errorf("expected the applied shrink to be picked up from the ledger, got %d", a.TotalStock)
	}
}

func TestAvailability_UnknownSKUsAreNotRegistered(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	ctx := context.Background()

	mustAvailability(t, env, sku("A"))
	before := env.coord.keys.size()

	for i := 0; i < 1000; i++ {
		key := sku(fmt.Sprintf("missing-%d", i))
		if _, err := env.coord.Availability(ctx, key); !errors.Is(err, domain.ErrSKUNotFound) {
			t.Fatalf("availability %s: expected ErrSKUNotFound, got %v", key, err)
		}
	}
	if _, err := env.coord.Reserve(ctx, sku("missing-reserve"), 1, "holder-1", 0); !errors.Is(err, domain.ErrSKUNotFound) {
		t.Fatalf("expected ErrSKUNotFound, got %v", err)
	}
	res, err := env.coord.CheckStock(ctx, []CheckItem{{Key: sku("missing-check"), Quantity: 1}})
	if err != nil || res.Satisfiable {
		t.Fatalf("check stock: satisfiable=%v err=%v", res.Satisfiable, err)
	}

	if after := env.coord.keys.size(); after != before {
		t.Errorf("expected %d registered keys, got %d", before, after)
	}
}

func TestPublish_EventsCarryIncreasingSeq(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 10})
	ctx := context.Background()

	r1 := mustReserve(t, env, sku("A"), 2, 0)
	r2 := mustReserve(t, env, sku("A"), 3, 0)
	if _, err := env.coord.Reserve(ctx, sku("A"), 50, "h", 0); err == nil {
		t.Fatal("expected oversized reserve to fail")
	}
	if _, err := env.coord.Release(ctx, r1.ReservationID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.coord.Confirm(ctx, r2.ReservationID); err != nil {
		t.Fatal(err)
	}

	events := env.events.Events()
	wantReasons := []domain.EventReason{
		domain.EventReasonReserved,
		domain.EventReasonReserved,
		domain.EventReasonReleased,
		domain.EventReasonConfirmed,
	}
	if len(events) != len(wantReasons) {
		t.Fatalf("expected %d events, got %d", len(wantReasons), len(events))
	}
	for i, e := range events {
		if e.Reason != wantReasons[i] {
			t.Errorf("event %d: reason %s, want %s", i, e.Reason, wantReasons[i])
		}
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d: seq %d, want %d", i, e.Seq, i+1)
		}
	}
	last := events[len(events)-1]
	if last.TotalStock != 7 || last.AvailableStock != 7 {
		t.Errorf("unexpected final event %+v", last.Availability)
	}
}

func TestReserve_CancelledContextWhileQueued(t *testing.T) {
	env := newMemoryEnv(map[domain.StockKey]int64{sku("A"): 5})
	mustAvailability(t, env, sku("A"))

	st := env.coord.keys.getOrCreate(sku("A"))
	_ = st.lock.Lock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.coord.Reserve(ctx, sku("A"), 1, "h", 0)
	st.lock.Unlock()

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if env.reservations.Len() != 0 {
		t.Error("expected no reservation after cancelled reserve")
	}
}
