package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/efreitasn/stockreserve/internal/broadcast"
	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/engine"
)

const (
	maxHolderIDLength       = 128
	maxIdempotencyKeyLength = 128
	maxCheckItems           = 100
)

// IdempotencyStore persists the outcome of mutating requests keyed by the
// client's idempotency token.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, fingerprint string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, rec domain.IdempotencyRecord) error
	Forget(ctx context.Context, key string) error
}

// ReserveRequest represents the input for a reservation.
type ReserveRequest struct {
	SKUID          string
	VariantID      string
	Quantity       int64
	HolderID       string
	TTL            time.Duration // 0 means the configured default
	IdempotencyKey string
}

func (r ReserveRequest) fingerprint() string {
	return fingerprint("reserve", r.SKUID, r.VariantID, r.Quantity, r.HolderID, int64(r.TTL))
}

// ReleaseRequest represents the input for a release. A nil Quantity releases
// the whole reservation.
type ReleaseRequest struct {
	ReservationID  string
	Quantity       *int64
	IdempotencyKey string
}

func (r ReleaseRequest) fingerprint() string {
	qty := "all"
	if r.Quantity != nil {
		qty = fmt.Sprint(*r.Quantity)
	}
	return fingerprint("release", r.ReservationID, qty)
}

// ConfirmRequest represents the input for a confirm.
type ConfirmRequest struct {
	ReservationID  string
	IdempotencyKey string
}

func (r ConfirmRequest) fingerprint() string {
	return fingerprint("confirm", r.ReservationID)
}

// AdjustRequest represents an administrative stock change.
type AdjustRequest struct {
	SKUID          string
	VariantID      string
	Delta          int64
	IdempotencyKey string
}

func (r AdjustRequest) fingerprint() string {
	return fingerprint("adjust", r.SKUID, r.VariantID, r.Delta)
}

// CheckItem is one line of a stock check.
type CheckItem struct {
	SKUID     string
	VariantID string
	Quantity  int64
}

// ReservationService validates requests, applies idempotency and delegates
// to the coordinator.
type ReservationService struct {
	coord  *engine.Coordinator
	idem   IdempotencyStore
	hub    broadcast.Broadcaster
	logger *slog.Logger
}

// NewReservationService creates a new ReservationService with the given
// dependencies.
func NewReservationService(
	coord *engine.Coordinator,
	idem IdempotencyStore,
	hub broadcast.Broadcaster,
	logger *slog.Logger,
) *ReservationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReservationService{
		coord:  coord,
		idem:   idem,
		hub:    hub,
		logger: logger,
	}
}

// Reserve validates the request and places a hold.
func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (domain.Reservation, error) {
	key := domain.StockKey{SKU: req.SKUID, Variant: req.VariantID}
	if err := key.Validate(); err != nil {
		return domain.Reservation{}, err
	}
	if req.HolderID == "" || len(req.HolderID) > maxHolderIDLength {
		return domain.Reservation{}, &domain.ValidationError{
			Message: fmt.Sprintf("holder_id must be 1 to %d characters", maxHolderIDLength),
		}
	}
	if req.Quantity <= 0 {
		return domain.Reservation{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}
	if req.TTL < 0 {
		return domain.Reservation{}, &domain.ValidationError{Message: "ttl_seconds must be positive"}
	}

	rec, err := s.idempotent(ctx, "reserve", req.IdempotencyKey, req.fingerprint(), func() (domain.IdempotencyRecord, error) {
		r, err := s.coord.Reserve(ctx, key, req.Quantity, req.HolderID, req.TTL)
		if err != nil {
			return domain.IdempotencyRecord{}, err
		}
		return domain.IdempotencyRecord{Reservation: &r}, nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return reservationOf(rec)
}

// Release returns all or part of a reservation to the pool.
func (s *ReservationService) Release(ctx context.Context, req ReleaseRequest) (domain.Reservation, error) {
	if req.ReservationID == "" {
		return domain.Reservation{}, &domain.ValidationError{Message: "reservation_id is required"}
	}
	if req.Quantity != nil && *req.Quantity <= 0 {
		return domain.Reservation{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}

	rec, err := s.idempotent(ctx, "release", req.IdempotencyKey, req.fingerprint(), func() (domain.IdempotencyRecord, error) {
		r, err := s.coord.Release(ctx, req.ReservationID, req.Quantity)
		if err != nil {
			return domain.IdempotencyRecord{}, err
		}
		return domain.IdempotencyRecord{Reservation: &r}, nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return reservationOf(rec)
}

// Confirm turns a reservation into a ledger decrement.
func (s *ReservationService) Confirm(ctx context.Context, req ConfirmRequest) (domain.Reservation, error) {
	if req.ReservationID == "" {
		return domain.Reservation{}, &domain.ValidationError{Message: "reservation_id is required"}
	}

	rec, err := s.idempotent(ctx, "confirm", req.IdempotencyKey, req.fingerprint(), func() (domain.IdempotencyRecord, error) {
		r, err := s.coord.Confirm(ctx, req.ReservationID)
		if err != nil {
			return domain.IdempotencyRecord{}, err
		}
		return domain.IdempotencyRecord{Reservation: &r}, nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return reservationOf(rec)
}

// CheckStock reports whether every item could be reserved right now.
func (s *ReservationService) CheckStock(ctx context.Context, items []CheckItem) (engine.CheckResult, error) {
	if len(items) == 0 || len(items) > maxCheckItems {
		return engine.CheckResult{}, &domain.ValidationError{
			Message: fmt.Sprintf("items must contain 1 to %d entries", maxCheckItems),
		}
	}

	checks := make([]engine.CheckItem, len(items))
	for i, it := range items {
		key := domain.StockKey{SKU: it.SKUID, Variant: it.VariantID}
		if err := key.Validate(); err != nil {
			return engine.CheckResult{}, err
		}
		if it.Quantity <= 0 {
			return engine.CheckResult{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
		}
		checks[i] = engine.CheckItem{Key: key, Quantity: it.Quantity}
	}
	return s.coord.CheckStock(ctx, checks)
}

// GetAvailability returns the current availability of key.
func (s *ReservationService) GetAvailability(ctx context.Context, key domain.StockKey) (domain.Availability, error) {
	if err := key.Validate(); err != nil {
		return domain.Availability{}, err
	}
	return s.coord.Availability(ctx, key)
}

// GetReservation returns a reservation by id.
func (s *ReservationService) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return s.coord.Get(ctx, reservationID)
}

// AdjustStock applies an administrative change to the ledger.
func (s *ReservationService) AdjustStock(ctx context.Context, req AdjustRequest) (domain.Availability, error) {
	key := domain.StockKey{SKU: req.SKUID, Variant: req.VariantID}
	if err := key.Validate(); err != nil {
		return domain.Availability{}, err
	}
	if req.Delta == 0 {
		return domain.Availability{}, &domain.ValidationError{Message: "delta must be non-zero"}
	}

	rec, err := s.idempotent(ctx, "adjust", req.IdempotencyKey, req.fingerprint(), func() (domain.IdempotencyRecord, error) {
		a, err := s.coord.AdjustStock(ctx, key, req.Delta)
		if err != nil {
			return domain.IdempotencyRecord{}, err
		}
		return domain.IdempotencyRecord{Availability: &a}, nil
	})
	if err != nil {
		return domain.Availability{}, err
	}
	if rec.Availability == nil {
		return domain.Availability{}, fmt.Errorf("idempotency record for adjust has no availability")
	}
	return *rec.Availability, nil
}

// Subscribe opens a live feed for key and returns it with the current
// availability. The caller must Close the subscription.
func (s *ReservationService) Subscribe(ctx context.Context, key domain.StockKey) (*broadcast.Subscription, domain.Availability, error) {
	if err := key.Validate(); err != nil {
		return nil, domain.Availability{}, err
	}
	sub := s.hub.Subscribe(key)
	a, err := s.coord.Availability(ctx, key)
	if err != nil {
		sub.Close()
		return nil, domain.Availability{}, err
	}
	return sub, a, nil
}

// idempotent runs fn at most once per (op, token). Without a token fn
// always runs. Only successful outcomes are stored; a failure releases the
// claim so the client can retry with the same token.
func (s *ReservationService) idempotent(
	ctx context.Context,
	op, token, fp string,
	fn func() (domain.IdempotencyRecord, error),
) (domain.IdempotencyRecord, error) {
	if token == "" {
		return fn()
	}
	if len(token) > maxIdempotencyKeyLength {
		return domain.IdempotencyRecord{}, &domain.ValidationError{
			Message: fmt.Sprintf("idempotency_key must be at most %d characters", maxIdempotencyKeyLength),
		}
	}

	key := op + ":" + token
	existing, err := s.idem.Claim(ctx, key, fp)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if existing != nil {
		switch {
		case existing.Fingerprint != fp:
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyReused
		case !existing.Completed:
			return domain.IdempotencyRecord{}, domain.ErrRequestInProgress
		}
		s.logger.Debug("idempotent replay", slog.String("operation", op), slog.String("idempotency_key", token))
		return *existing, nil
	}

	// The claim must be settled even if the client has gone away.
	settleCtx := context.WithoutCancel(ctx)

	rec, err := fn()
	if err != nil {
		if ferr := s.idem.Forget(settleCtx, key); ferr != nil {
			s.logger.Warn("failed to release idempotency claim",
				slog.String("operation", op),
				slog.String("error", ferr.Error()),
			)
		}
		return domain.IdempotencyRecord{}, err
	}

	rec.Fingerprint = fp
	if cerr := s.idem.Complete(settleCtx, key, rec); cerr != nil {
		s.logger.Warn("failed to store idempotency record",
			slog.String("operation", op),
			slog.String("error", cerr.Error()),
		)
	}
	return rec, nil
}

func reservationOf(rec domain.IdempotencyRecord) (domain.Reservation, error) {
	if rec.Reservation == nil {
		return domain.Reservation{}, fmt.Errorf("idempotency record has no reservation")
	}
	return *rec.Reservation, nil
}

// fingerprint hashes the fields that identify a request so a reused token
// with a different body can be told apart.
func fingerprint(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
