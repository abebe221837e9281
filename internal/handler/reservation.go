package handler

import (
	"math"
	"net/http"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/service"
	"github.com/go-chi/chi/v5"
)

// ReservationHandler handles HTTP requests for the reservation lifecycle.
type ReservationHandler struct {
	svc *service.ReservationService
}

// NewReservationHandler creates a new ReservationHandler.
func NewReservationHandler(svc *service.ReservationService) *ReservationHandler {
	return &ReservationHandler{svc: svc}
}

// reserveRequest is the JSON request body for POST /reserve.
type reserveRequest struct {
	SKUID          string `json:"sku_id"`
	VariantID      string `json:"variant_id"`
	Quantity       int64  `json:"quantity"`
	HolderID       string `json:"holder_id"`
	TTLSeconds     *int64 `json:"ttl_seconds"`
	IdempotencyKey string `json:"idempotency_key"`
}

// releaseRequest is the JSON request body for POST /release.
type releaseRequest struct {
	ReservationID  string `json:"reservation_id"`
	Quantity       *int64 `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

// confirmRequest is the JSON request body for POST /confirm.
type confirmRequest struct {
	ReservationID  string `json:"reservation_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// reservationResponse is the JSON representation of a reservation.
// terminated_at is null while the reservation is active.
type reservationResponse struct {
	ReservationID string  `json:"reservation_id"`
	SKUID         string  `json:"sku_id"`
	VariantID     string  `json:"variant_id,omitempty"`
	Quantity      int64   `json:"quantity"`
	HolderID      string  `json:"holder_id"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     string  `json:"expires_at"`
	UpdatedAt     string  `json:"updated_at"`
	TerminatedAt  *string `json:"terminated_at"`
}

// Reserve handles POST /reserve.
func (h *ReservationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var ttl time.Duration
	if req.TTLSeconds != nil {
		if *req.TTLSeconds <= 0 || *req.TTLSeconds > math.MaxInt64/int64(time.Second) {
			WriteError(w, http.StatusBadRequest, "validation_error", "ttl_seconds must be a positive integer")
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}

	res, err := h.svc.Reserve(r.Context(), service.ReserveRequest{
		SKUID:          req.SKUID,
		VariantID:      req.VariantID,
		Quantity:       req.Quantity,
		HolderID:       req.HolderID,
		TTL:            ttl,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildReservationResponse(res))
}

// Release handles POST /release.
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.svc.Release(r.Context(), service.ReleaseRequest{
		ReservationID:  req.ReservationID,
		Quantity:       req.Quantity,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildReservationResponse(res))
}

// Confirm handles POST /confirm.
func (h *ReservationHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.svc.Confirm(r.Context(), service.ConfirmRequest{
		ReservationID:  req.ReservationID,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildReservationResponse(res))
}

// GetReservation handles GET /reservations/{reservation_id}.
func (h *ReservationHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	reservationID := chi.URLParam(r, "reservation_id")

	res, err := h.svc.GetReservation(r.Context(), reservationID)
	if err != nil {
		mapError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildReservationResponse(res))
}

func buildReservationResponse(res domain.Reservation) reservationResponse {
	resp := reservationResponse{
		ReservationID: res.ReservationID,
		SKUID:         res.Key.SKU,
		VariantID:     res.Key.Variant,
		Quantity:      res.Quantity,
		HolderID:      res.HolderID,
		Status:        string(res.Status),
		CreatedAt:     formatTime(res.CreatedAt),
		ExpiresAt:     formatTime(res.ExpiresAt),
		UpdatedAt:     formatTime(res.UpdatedAt),
	}
	if res.TerminatedAt != nil {
		s := formatTime(*res.TerminatedAt)
		resp.TerminatedAt = &s
	}
	return resp
}
