package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/metrics"
	"github.com/efreitasn/stockreserve/internal/store"
	"github.com/google/uuid"
)

// Ledger is the authoritative stock ledger. Writes carry an idempotency key
// so a retried call is applied at most once.
type Ledger interface {
	TotalStock(ctx context.Context, key domain.StockKey) (int64, error)
	DecrementStock(ctx context.Context, key domain.StockKey, quantity int64, idempotencyKey string) error
	AdjustStock(ctx context.Context, key domain.StockKey, delta int64, idempotencyKey string) (int64, error)
}

// Publisher receives availability changes. Publish is called while the
// key's lock is held and must not block.
type Publisher interface {
	Publish(event domain.StockEvent)
}

// Options configures the coordinator.
type Options struct {
	DefaultTTL        time.Duration
	MaxTTL            time.Duration // 0 means unbounded
	LowStockThreshold int64
	LedgerTimeout     time.Duration // 0 means the caller's context only
}

// CheckItem is one line of a stock pre-flight check.
type CheckItem struct {
	Key      domain.StockKey
	Quantity int64
}

// CheckDetail is the per-line result of CheckStock.
type CheckDetail struct {
	Key         domain.StockKey
	Requested   int64
	Available   int64
	Satisfiable bool
	SKUNotFound bool
}

// CheckResult is the outcome of CheckStock.
type CheckResult struct {
	Satisfiable bool
	Details     []CheckDetail
}

// Coordinator serializes every mutation of a stock key through that key's
// FIFO lock. Operations on different keys run in parallel.
//
// The ledger total for a key is cached on first use and kept in step with
// the ledger by confirm and adjust. When a ledger write ends without a clear
// answer the key is marked stale and reloaded from the ledger once no other
// write on it is in flight. No ledger call is made while a key lock is held.
type Coordinator struct {
	opts         Options
	keys         *keyLocks
	reservations *store.ReservationStore
	ledger       Ledger
	publisher    Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewCoordinator creates a Coordinator. publisher and m may be nil.
func NewCoordinator(
	opts Options,
	reservations *store.ReservationStore,
	ledger Ledger,
	publisher Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:         opts,
		keys:         newKeyLocks(),
		reservations: reservations,
		ledger:       ledger,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Reserve atomically checks that quantity units of key are available and,
// if so, holds them for ttl. A ttl of zero uses the configured default.
// Quantities are all-or-nothing.
func (c *Coordinator) Reserve(ctx context.Context, key domain.StockKey, quantity int64, holderID string, ttl time.Duration) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	if c.opts.MaxTTL > 0 && ttl > c.opts.MaxTTL {
		return domain.Reservation{}, &domain.ValidationError{
			Message: fmt.Sprintf("ttl must be at most %s", c.opts.MaxTTL),
		}
	}

	st, err := c.acquire(ctx, key)
	if err != nil {
		c.metrics.Operation("reserve", outcome(err))
		return domain.Reservation{}, err
	}
	defer st.lock.Unlock()

	now := c.now()
	avail := c.availabilityLocked(key, st)
	if avail.AvailableStock < quantity {
		err := &domain.InsufficientStockError{Key: key, Requested: quantity, Available: avail.AvailableStock}
		c.metrics.Operation("reserve", outcome(err))
		return domain.Reservation{}, err
	}

	r := &domain.Reservation{
		ReservationID: uuid.New().String(),
		Key:           key,
		Quantity:      quantity,
		HolderID:      holderID,
		Status:        domain.ReservationStatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		UpdatedAt:     now,
	}
	c.reservations.Insert(r)
	c.publishLocked(key, st, domain.EventReasonReserved, now)
	c.metrics.Operation("reserve", "ok")

	c.logger.Debug("reservation created",
		slog.String("reservation_id", r.ReservationID),
		slog.String("key", key.String()),
		slog.Int64("quantity", quantity),
		slog.Time("expires_at", r.ExpiresAt),
	)
	return *r, nil
}

// Release returns quantity units of a reservation to the pool. A nil
// quantity, or one at least the held quantity, releases the whole
// reservation; a smaller quantity keeps it active under the same id.
func (c *Coordinator) Release(ctx context.Context, reservationID string, quantity *int64) (domain.Reservation, error) {
	if quantity != nil && *quantity <= 0 {
		return domain.Reservation{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}

	r, err := c.reservations.Get(reservationID)
	if err != nil {
		c.metrics.Operation("release", outcome(err))
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}

	st, err := c.acquire(ctx, r.Key)
	if err != nil {
		c.metrics.Operation("release", outcome(err))
		return domain.Reservation{}, err
	}
	defer c.unlock(r.Key, st)

	now := c.now()
	if err := c.checkMutableLocked(r, st, now); err != nil {
		c.metrics.Operation("release", outcome(err))
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}

	full := quantity == nil || *quantity >= r.Quantity
	if !full && r.ConfirmUncertain {
		// A retried confirm replays the original quantity.
		err := domain.ErrConfirmInProgress
		c.metrics.Operation("release", outcome(err))
		return domain.Reservation{}, fmt.Errorf("reservation %s: partial release after unsettled confirm: %w", reservationID, err)
	}

	if full {
		c.reservations.Terminate(r, domain.ReservationStatusReleased, now)
		if r.ConfirmUncertain {
			st.invalidateLocked()
		}
	} else {
		r.Quantity -= *quantity
		r.UpdatedAt = now
	}
	c.publishLocked(r.Key, st, domain.EventReasonReleased, now)
	c.metrics.Operation("release", "ok")

	c.logger.Debug("reservation released",
		slog.String("reservation_id", reservationID),
		slog.String("status", string(r.Status)),
		slog.Int64("remaining", r.Quantity),
	)
	return *r, nil
}

// Confirm converts an active reservation into a ledger decrement.
//
// Phase one marks the reservation as confirming under the key lock. Phase
// two writes the ledger with the reservation id as idempotency key, outside
// the lock. Phase three relocks and either marks the reservation confirmed
// (lowering the cached total by the same amount, so availability does not
// move) or, on ledger failure, leaves it active for a retry.
//
// A failure that is not a ledger verdict may hide an applied decrement. The
// reservation is flagged ConfirmUncertain; a retry replays the same
// idempotency key, and releasing or expiring it reloads the key's total.
func (c *Coordinator) Confirm(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, err := c.reservations.Get(reservationID)
	if err != nil {
		c.metrics.Operation("confirm", outcome(err))
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}

	st, err := c.acquire(ctx, r.Key)
	if err != nil {
		c.metrics.Operation("confirm", outcome(err))
		return domain.Reservation{}, err
	}
	if err := c.checkMutableLocked(r, st, c.now()); err != nil {
		c.unlock(r.Key, st)
		c.metrics.Operation("confirm", outcome(err))
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}
	r.Confirming = true
	st.beginWriteLocked()
	key, quantity := r.Key, r.Quantity
	st.lock.Unlock()

	ledgerCtx, cancel := c.ledgerContext(ctx)
	start := time.Now()
	ledgerErr := c.ledger.DecrementStock(ledgerCtx, key, quantity, reservationID)
	cancel()
	c.metrics.LedgerCall("decrement", start, ledgerErr)

	st.lock.lockUninterruptible()
	defer c.unlock(key, st)

	r.Confirming = false
	if ledgerErr != nil {
		err := ledgerError("confirm", key, ledgerErr)
		if errors.Is(err, domain.ErrLedgerUnavailable) {
			r.ConfirmUncertain = true
		} else {
			// The ledger refused, so nothing was applied under this id and
			// the cached total disagrees with it.
			r.ConfirmUncertain = false
			st.invalidateLocked()
		}
		st.endWriteLocked()
		c.metrics.Operation("confirm", outcome(err))
		c.logger.Warn("ledger decrement failed, reservation left active",
			slog.String("reservation_id", reservationID),
			slog.String("key", key.String()),
			slog.Bool("uncertain", r.ConfirmUncertain),
			slog.String("error", ledgerErr.Error()),
		)
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}

	now := c.now()
	st.total -= quantity
	r.ConfirmUncertain = false
	c.reservations.Terminate(r, domain.ReservationStatusConfirmed, now)
	st.endWriteLocked()
	c.publishLocked(key, st, domain.EventReasonConfirmed, now)
	c.metrics.Operation("confirm", "ok")

	c.logger.Info("reservation confirmed",
		slog.String("reservation_id", reservationID),
		slog.String("key", key.String()),
		slog.Int64("quantity", quantity),
	)
	return *r, nil
}

// CheckStock reports whether every item could be reserved right now.
// Quantities for the same key are summed. Nothing is reserved.
func (c *Coordinator) CheckStock(ctx context.Context, items []CheckItem) (CheckResult, error) {
	requested := make(map[domain.StockKey]int64, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return CheckResult{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
		}
		requested[it.Key] += it.Quantity
	}

	available := make(map[domain.StockKey]int64, len(requested))
	unknown := make(map[domain.StockKey]bool)
	for key := range requested {
		a, err := c.Availability(ctx, key)
		if errors.Is(err, domain.ErrSKUNotFound) {
			unknown[key] = true
			continue
		}
		if err != nil {
			return CheckResult{}, err
		}
		available[key] = a.AvailableStock
	}

	result := CheckResult{Satisfiable: true, Details: make([]CheckDetail, 0, len(items))}
	for _, it := range items {
		ok := !unknown[it.Key] && requested[it.Key] <= available[it.Key]
		result.Details = append(result.Details, CheckDetail{
			Key:         it.Key,
			Requested:   it.Quantity,
			Available:   available[it.Key],
			Satisfiable: ok,
			SKUNotFound: unknown[it.Key],
		})
		if !ok {
			result.Satisfiable = false
		}
	}
	return result, nil
}

// Availability returns the current view of key without mutating anything.
func (c *Coordinator) Availability(ctx context.Context, key domain.StockKey) (domain.Availability, error) {
	st, err := c.acquire(ctx, key)
	if err != nil {
		return domain.Availability{}, err
	}
	defer st.lock.Unlock()
	return c.availabilityLocked(key, st), nil
}

// Get returns a snapshot of a reservation.
func (c *Coordinator) Get(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, err := c.reservations.Get(reservationID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s: %w", reservationID, err)
	}
	st, err := c.acquire(ctx, r.Key)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer st.lock.Unlock()
	return *r, nil
}

// AdjustStock applies an administrative change of delta units to key.
// Restocks write the ledger first. Reductions are held locally first and
// rolled back if the ledger write fails; they never take more than is
// currently available.
func (c *Coordinator) AdjustStock(ctx context.Context, key domain.StockKey, delta int64) (domain.Availability, error) {
	if delta == 0 {
		return domain.Availability{}, &domain.ValidationError{Message: "delta must be non-zero"}
	}
	ledgerKey := "adjust:" + uuid.New().String()

	var (
		a   domain.Availability
		err error
	)
	if delta > 0 {
		a, err = c.restock(ctx, key, delta, ledgerKey)
	} else {
		a, err = c.shrink(ctx, key, -delta, ledgerKey)
	}
	c.metrics.Operation("adjust", outcome(err))
	if err == nil {
		c.logger.Info("stock adjusted",
			slog.String("key", key.String()),
			slog.Int64("delta", delta),
			slog.Int64("total", a.TotalStock),
		)
	}
	return a, err
}

func (c *Coordinator) restock(ctx context.Context, key domain.StockKey, quantity int64, ledgerKey string) (domain.Availability, error) {
	st := c.keys.getOrCreate(key)

	// Holding loadMu keeps a concurrent first load from reading a total
	// that already includes this restock.
	st.loadMu.Lock()
	defer st.loadMu.Unlock()

	ledgerCtx, cancel := c.ledgerContext(ctx)
	start := time.Now()
	total, err := c.ledger.AdjustStock(ledgerCtx, key, quantity, ledgerKey)
	cancel()
	c.metrics.LedgerCall("adjust", start, err)
	if err != nil {
		return domain.Availability{}, ledgerError("restock", key, err)
	}

	st.lock.lockUninterruptible()
	defer st.lock.Unlock()

	if st.loaded.Load() {
		st.total += quantity
	} else {
		st.total = total
		st.stale = false
		st.loaded.Store(true)
	}
	c.publishLocked(key, st, domain.EventReasonAdjusted, c.now())
	return c.availabilityLocked(key, st), nil
}

func (c *Coordinator) shrink(ctx context.Context, key domain.StockKey, quantity int64, ledgerKey string) (domain.Availability, error) {
	st, err := c.acquire(ctx, key)
	if err != nil {
		return domain.Availability{}, err
	}
	avail := c.availabilityLocked(key, st)
	if avail.AvailableStock < quantity {
		st.lock.Unlock()
		return domain.Availability{}, &domain.InsufficientStockError{Key: key, Requested: quantity, Available: avail.AvailableStock}
	}
	st.total -= quantity
	st.beginWriteLocked()
	c.publishLocked(key, st, domain.EventReasonAdjusted, c.now())
	st.lock.Unlock()

	ledgerCtx, cancel := c.ledgerContext(ctx)
	start := time.Now()
	_, ledgerErr := c.ledger.AdjustStock(ledgerCtx, key, -quantity, ledgerKey)
	cancel()
	c.metrics.LedgerCall("adjust", start, ledgerErr)

	st.lock.lockUninterruptible()
	defer c.unlock(key, st)

	if ledgerErr != nil {
		// The write may have landed before the failure; the ledger decides.
		st.total += quantity
		st.invalidateLocked()
		st.endWriteLocked()
		c.publishLocked(key, st, domain.EventReasonAdjusted, c.now())
		return domain.Availability{}, ledgerError("shrink", key, ledgerErr)
	}
	st.endWriteLocked()
	return c.availabilityLocked(key, st), nil
}

// expireDue expires the reservations in due that are still active, not
// confirming and past their deadline at now. It publishes at most one event
// for key and returns how many reservations it expired.
func (c *Coordinator) expireDue(ctx context.Context, key domain.StockKey, due []*domain.Reservation, now time.Time) (int, error) {
	st, err := c.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer c.unlock(key, st)

	expired := 0
	for _, r := range due {
		if r.Status != domain.ReservationStatusActive || r.Confirming || !r.PastDeadline(now) {
			continue
		}
		if c.reservations.Terminate(r, domain.ReservationStatusExpired, now) {
			expired++
			if r.ConfirmUncertain {
				st.invalidateLocked()
			}
		}
	}
	if expired > 0 {
		c.metrics.Expired(expired)
		c.publishLocked(key, st, domain.EventReasonExpired, now)
	}
	return expired, nil
}

// checkMutableLocked rejects release or confirm of a reservation that is
// terminal or confirming. A reservation found past its deadline is expired
// on the spot.
func (c *Coordinator) checkMutableLocked(r *domain.Reservation, st *keyState, now time.Time) error {
	switch {
	case r.Status == domain.ReservationStatusExpired:
		return domain.ErrReservationExpired
	case r.Status.Terminal():
		return domain.ErrReservationTerminal
	case r.Confirming:
		return domain.ErrConfirmInProgress
	case r.PastDeadline(now):
		c.reservations.Terminate(r, domain.ReservationStatusExpired, now)
		if r.ConfirmUncertain {
			st.invalidateLocked()
		}
		c.metrics.Expired(1)
		c.publishLocked(r.Key, st, domain.EventReasonExpired, now)
		return domain.ErrReservationExpired
	}
	return nil
}

// acquire loads key's ledger total if needed and takes the key's lock. A
// key the ledger does not know is never registered.
func (c *Coordinator) acquire(ctx context.Context, key domain.StockKey) (*keyState, error) {
	st, ok := c.keys.get(key)
	if !ok {
		total, err := c.loadTotal(ctx, key)
		if err != nil {
			return nil, err
		}
		st = c.keys.getOrCreate(key)
		st.loadMu.Lock()
		if !st.loaded.Load() {
			st.lock.lockUninterruptible()
			c.storeTotalLocked(key, st, total)
			st.lock.Unlock()
		}
		st.loadMu.Unlock()
	}

	for {
		if err := c.ensureLoaded(ctx, key, st); err != nil {
			return nil, err
		}
		if err := st.lock.Lock(ctx); err != nil {
			return nil, err
		}
		if st.loaded.Load() {
			return st, nil
		}
		// Invalidated while queued.
		st.lock.Unlock()
	}
}

// unlock releases the key lock and reloads the key if it was invalidated.
func (c *Coordinator) unlock(key domain.StockKey, st *keyState) {
	stale := !st.loaded.Load()
	st.lock.Unlock()
	if !stale {
		return
	}
	if err := c.ensureLoaded(context.Background(), key, st); err != nil {
		c.logger.Warn("stock reload failed, retrying on next use",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ensureLoaded reads the ledger total for key if the cached one is missing
// or stale. The read happens outside the key lock. A key is only marked
// unloaded while no ledger write on it is in flight, and acquire turns away
// new writers until the load completes.
func (c *Coordinator) ensureLoaded(ctx context.Context, key domain.StockKey, st *keyState) error {
	if st.loaded.Load() {
		return nil
	}
	st.loadMu.Lock()
	defer st.loadMu.Unlock()
	if st.loaded.Load() {
		return nil
	}

	total, err := c.loadTotal(ctx, key)
	if err != nil {
		return err
	}
	if err := st.lock.Lock(ctx); err != nil {
		return err
	}
	c.storeTotalLocked(key, st, total)
	st.lock.Unlock()
	return nil
}

func (c *Coordinator) loadTotal(ctx context.Context, key domain.StockKey) (int64, error) {
	ledgerCtx, cancel := c.ledgerContext(ctx)
	start := time.Now()
	total, err := c.ledger.TotalStock(ledgerCtx, key)
	cancel()
	c.metrics.LedgerCall("total", start, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, ledgerError("load", key, err)
	}
	return total, nil
}

// storeTotalLocked installs a total read from the ledger. A reload that
// changes the total is published.
func (c *Coordinator) storeTotalLocked(key domain.StockKey, st *keyState, total int64) {
	reload := st.stale
	changed := st.total != total
	st.total = total
	st.stale = false
	st.loaded.Store(true)
	if reload && changed {
		c.logger.Info("stock total reloaded from ledger",
			slog.String("key", key.String()),
			slog.Int64("total", total),
		)
		c.publishLocked(key, st, domain.EventReasonAdjusted, c.now())
	}
}

func (c *Coordinator) availabilityLocked(key domain.StockKey, st *keyState) domain.Availability {
	a := domain.CalculateAvailability(key, st.total, c.reservations.ActiveByKey(key), c.opts.LowStockThreshold)
	a.Seq = st.seq
	return a
}

// publishLocked bumps the key's sequence and hands the new view to the
// publisher. The caller holds the key lock, so events for a key leave in
// commit order.
func (c *Coordinator) publishLocked(key domain.StockKey, st *keyState, reason domain.EventReason, now time.Time) {
	st.seq++
	c.metrics.SetActiveReservations(c.reservations.ActiveCount())
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(domain.StockEvent{
		Availability: c.availabilityLocked(key, st),
		Reason:       reason,
		OccurredAt:   now,
	})
	c.metrics.EventPublished()
}

func (c *Coordinator) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.LedgerTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.LedgerTimeout)
	}
	return context.WithCancel(ctx)
}

// ledgerError keeps ledger verdicts the caller can act on and folds
// everything else into ErrLedgerUnavailable.
func ledgerError(op string, key domain.StockKey, err error) error {
	if errors.Is(err, domain.ErrSKUNotFound) || errors.Is(err, domain.ErrInsufficientStock) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return fmt.Errorf("%w: %s %s: %v", domain.ErrLedgerUnavailable, op, key, err)
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	for _, sentinel := range []error{
		domain.ErrInsufficientStock,
		domain.ErrReservationNotFound,
		domain.ErrReservationTerminal,
		domain.ErrReservationExpired,
		domain.ErrConfirmInProgress,
		domain.ErrSKUNotFound,
		domain.ErrLedgerUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return "validation_error"
	}
	return "error"
}
