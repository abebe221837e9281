package broadcast

import (
	"encoding/json"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
)

// ReasonSnapshot marks the first event a transport sends after subscribing.
const ReasonSnapshot domain.EventReason = "snapshot"

// EventMessage is the wire form of a stock event shared by every transport.
type EventMessage struct {
	Type           string    `json:"type"`
	SKUID          string    `json:"sku_id"`
	VariantID      string    `json:"variant_id,omitempty"`
	AvailableStock int64     `json:"available_stock"`
	ReservedStock  int64     `json:"reserved_stock"`
	TotalStock     int64     `json:"total_stock"`
	IsLow          bool      `json:"is_low"`
	IsOutOfStock   bool      `json:"is_out_of_stock"`
	Seq            uint64    `json:"seq"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewEventMessage converts a domain event to its wire form.
func NewEventMessage(e domain.StockEvent) EventMessage {
	return EventMessage{
		Type:           "stock_updated",
		SKUID:          e.Key.SKU,
		VariantID:      e.Key.Variant,
		AvailableStock: e.AvailableStock,
		ReservedStock:  e.ReservedStock,
		TotalStock:     e.TotalStock,
		IsLow:          e.IsStockLow,
		IsOutOfStock:   e.IsOutOfStock,
		Seq:            e.Seq,
		Reason:         string(e.Reason),
		OccurredAt:     e.OccurredAt.UTC(),
	}
}

// EncodeEvent returns the JSON encoding of e.
func EncodeEvent(e domain.StockEvent) ([]byte, error) {
	return json.Marshal(NewEventMessage(e))
}

// Snapshot wraps a current availability view as an event.
func Snapshot(a domain.Availability, now time.Time) domain.StockEvent {
	return domain.StockEvent{
		Availability: a,
		Reason:       ReasonSnapshot,
		OccurredAt:   now,
	}
}
