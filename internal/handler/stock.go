package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/efreitasn/stockreserve/internal/broadcast"
	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/service"
	"github.com/go-chi/chi/v5"
)

// sseKeepAlive is how often an idle event stream receives a comment frame.
const sseKeepAlive = 15 * time.Second

// StockHandler handles HTTP requests for stock queries and adjustments.
type StockHandler struct {
	svc *service.ReservationService
	now func() time.Time
}

// NewStockHandler creates a new StockHandler.
func NewStockHandler(svc *service.ReservationService) *StockHandler {
	return &StockHandler{svc: svc, now: time.Now}
}

// checkStockRequest is the JSON request body for POST /check-stock.
type checkStockRequest struct {
	Items []checkItemRequest `json:"items"`
}

type checkItemRequest struct {
	SKUID     string `json:"sku_id"`
	VariantID string `json:"variant_id"`
	Quantity  int64  `json:"quantity"`
}

// checkStockResponse is the JSON response for POST /check-stock.
type checkStockResponse struct {
	Satisfiable bool                  `json:"satisfiable"`
	Details     []checkDetailResponse `json:"details"`
}

type checkDetailResponse struct {
	SKUID       string `json:"sku_id"`
	VariantID   string `json:"variant_id,omitempty"`
	Requested   int64  `json:"requested"`
	Available   int64  `json:"available"`
	Satisfiable bool   `json:"satisfiable"`
	SKUNotFound bool   `json:"sku_not_found,omitempty"`
}

// adjustRequest is the JSON request body for POST /stock/adjust.
type adjustRequest struct {
	SKUID          string `json:"sku_id"`
	VariantID      string `json:"variant_id"`
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
}

// availabilityResponse is the JSON response for GET /availability/{sku_id}.
type availabilityResponse struct {
	SKUID          string `json:"sku_id"`
	VariantID      string `json:"variant_id,omitempty"`
	AvailableStock int64  `json:"available_stock"`
	ReservedStock  int64  `json:"reserved_stock"`
	TotalStock     int64  `json:"total_stock"`
	IsLow          bool   `json:"is_low"`
	IsOutOfStock   bool   `json:"is_out_of_stock"`
	Seq            uint64 `json:"seq"`
}

// CheckStock handles POST /check-stock.
func (h *StockHandler) CheckStock(w http.ResponseWriter, r *http.Request) {
	var req checkStockRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	items := make([]service.CheckItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = service.CheckItem{SKUID: it.SKUID, VariantID: it.VariantID, Quantity: it.Quantity}
	}

	res, err := h.svc.CheckStock(r.Context(), items)
	if err != nil {
		mapError(w, err)
		return
	}

	resp := checkStockResponse{
		Satisfiable: res.Satisfiable,
		Details:     make([]checkDetailResponse, len(res.Details)),
	}
	for i, d := range res.Details {
		resp.Details[i] = checkDetailResponse{
			SKUID:       d.Key.SKU,
			VariantID:   d.Key.Variant,
			Requested:   d.Requested,
			Available:   d.Available,
			Satisfiable: d.Satisfiable,
			SKUNotFound: d.SKUNotFound,
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetAvailability handles GET /availability/{sku_id}.
func (h *StockHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetAvailability(r.Context(), keyFromRequest(r))
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildAvailabilityResponse(a))
}

// AdjustStock handles POST /stock/adjust.
func (h *StockHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	a, err := h.svc.AdjustStock(r.Context(), service.AdjustRequest{
		SKUID:          req.SKUID,
		VariantID:      req.VariantID,
		Delta:          req.Delta,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildAvailabilityResponse(a))
}

// StreamAvailability handles GET /availability/{sku_id}/events as a
// server-sent event stream. The first frame is the current snapshot.
func (h *StockHandler) StreamAvailability(w http.ResponseWriter, r *http.Request) {
	sub, snapshot, err := h.svc.Subscribe(r.Context(), keyFromRequest(r))
	if err != nil {
		mapError(w, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, rc, broadcast.Snapshot(snapshot, h.now())); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, rc, e); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, e domain.StockEvent) error {
	data, err := broadcast.EncodeEvent(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: stock_updated\ndata: %s\n\n", e.Seq, data); err != nil {
		return err
	}
	return rc.Flush()
}

func keyFromRequest(r *http.Request) domain.StockKey {
	return domain.StockKey{
		SKU:     chi.URLParam(r, "sku_id"),
		Variant: r.URL.Query().Get("variant_id"),
	}
}

func buildAvailabilityResponse(a domain.Availability) availabilityResponse {
	return availabilityResponse{
		SKUID:          a.Key.SKU,
		VariantID:      a.Key.Variant,
		AvailableStock: a.AvailableStock,
		ReservedStock:  a.ReservedStock,
		TotalStock:     a.TotalStock,
		IsLow:          a.IsStockLow,
		IsOutOfStock:   a.IsOutOfStock,
		Seq:            a.Seq,
	}
}
