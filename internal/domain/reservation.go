package domain

import "time"

// ReservationStatus represents the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether the status is final.
func (s ReservationStatus) Terminal() bool {
	return s != ReservationStatusActive
}

// Reservation is a time-bounded hold of Quantity units against a stock key.
// All fields except ReservationID, Key, HolderID, CreatedAt and ExpiresAt are
// mutated only while the key's lock is held.
type Reservation struct {
	ReservationID string
	Key           StockKey
	Quantity      int64
	HolderID      string
	Status        ReservationStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
	TerminatedAt  *time.Time

	// Confirming is set while the ledger write of a confirm is in flight.
	// The reservation still counts as active for availability.
	Confirming bool

	// ConfirmUncertain is set when a confirm's ledger write failed without
	// a verdict, so the decrement may or may not have been applied.
	ConfirmUncertain bool
}

// PastDeadline reports whether the hold window ended strictly before now.
func (r *Reservation) PastDeadline(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// IdempotencyRecord stores the outcome of a mutating request keyed by the
// client's idempotency token.
type IdempotencyRecord struct {
	Fingerprint  string
	Completed    bool
	Reservation  *Reservation
	Availability *Availability
}
