package domain

import "time"

// Availability is the derived stock view for one key. It is never stored.
type Availability struct {
	Key            StockKey
	TotalStock     int64
	ReservedStock  int64
	AvailableStock int64
	IsOutOfStock   bool
	IsStockLow     bool
	Seq            uint64 // per-key change counter
}

// CalculateAvailability computes available = total - Σ quantity of active
// reservations. Non-active reservations in the slice are ignored. Available
// never drops below zero; ReservedStock keeps the raw sum.
func CalculateAvailability(key StockKey, total int64, active []*Reservation, lowStockThreshold int64) Availability {
	var reserved int64
	for _, r := range active {
		if r.Status == ReservationStatusActive {
			reserved += r.Quantity
		}
	}

	available := total - reserved
	if available < 0 {
		available = 0
	}

	return Availability{
		Key:            key,
		TotalStock:     total,
		ReservedStock:  reserved,
		AvailableStock: available,
		IsOutOfStock:   available == 0,
		IsStockLow:     available > 0 && available <= lowStockThreshold,
	}
}

// EventReason names the mutation that produced a StockEvent.
type EventReason string

const (
	EventReasonReserved  EventReason = "reserved"
	EventReasonReleased  EventReason = "released"
	EventReasonConfirmed EventReason = "confirmed"
	EventReasonExpired   EventReason = "expired"
	EventReasonAdjusted  EventReason = "adjusted"
)

// StockEvent is pushed to subscribers of a key whenever its availability
// changes.
type StockEvent struct {
	Availability
	Reason     EventReason
	OccurredAt time.Time
}
