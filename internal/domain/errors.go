package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInsufficientStock    = errors.New("insufficient_stock")
	ErrReservationNotFound  = errors.New("reservation_not_found")
	ErrReservationTerminal  = errors.New("reservation_terminal")
	ErrReservationExpired   = errors.New("reservation_expired")
	ErrConfirmInProgress    = errors.New("confirm_in_progress")
	ErrSKUNotFound          = errors.New("sku_not_found")
	ErrLedgerUnavailable    = errors.New("ledger_unavailable")
	ErrIdempotencyKeyReused = errors.New("idempotency_key_reused")
	ErrRequestInProgress    = errors.New("request_in_progress")
)

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InsufficientStockError reports a reserve or adjustment that asked for more
// than the key had available. It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	Key       StockKey
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
