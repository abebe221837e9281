package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
)

// timeFormat renders every timestamp in responses as UTC RFC 3339.
const timeFormat = "2006-01-02T15:04:05Z"

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format. AvailableStock is only
// set for stock shortfalls.
type errorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	AvailableStock *int64 `json:"available_stock,omitempty"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

// mapError maps domain errors to HTTP responses.
func mapError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		code := "insufficient_stock"
		if stockErr.Available == 0 {
			code = "out_of_stock"
		}
		available := stockErr.Available
		WriteJSON(w, http.StatusConflict, errorResponse{
			Error:          code,
			Message:        stockErr.Error(),
			AvailableStock: &available,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		WriteError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, domain.ErrReservationNotFound):
		WriteError(w, http.StatusNotFound, "reservation_not_found", err.Error())
	case errors.Is(err, domain.ErrSKUNotFound):
		WriteError(w, http.StatusNotFound, "sku_not_found", err.Error())
	case errors.Is(err, domain.ErrReservationExpired):
		WriteError(w, http.StatusGone, "reservation_expired", err.Error())
	case errors.Is(err, domain.ErrReservationTerminal):
		WriteError(w, http.StatusGone, "reservation_terminal", err.Error())
	case errors.Is(err, domain.ErrConfirmInProgress):
		WriteError(w, http.StatusConflict, "confirm_in_progress", err.Error())
	case errors.Is(err, domain.ErrRequestInProgress):
		WriteError(w, http.StatusConflict, "request_in_progress", err.Error())
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", err.Error())
	case errors.Is(err, domain.ErrLedgerUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "ledger_unavailable", "Stock ledger is unavailable, retry later")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// idempotencyKey returns the token from the body, falling back to the
// Idempotency-Key header.
func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}
