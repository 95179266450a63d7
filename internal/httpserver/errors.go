package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"digistore/internal/apperr"
	"digistore/internal/orders"
)

const maxBodyBytes = 1 << 20

var errOrderInFlight = errors.New("an order is already being placed")

type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Balance  string `json:"balance,omitempty"`
	Required string `json:"required,omitempty"`
}

// writeError maps the service error taxonomy onto status codes. Every
// response carries a specific message the client can show as is.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *apperr.ValidationError
		insufficient *apperr.InsufficientFundsError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "validation_failed",
			Message: validation.Message,
			Field:   validation.Field,
		})
	case errors.Is(err, apperr.ErrInsufficientFunds):
		body := errorBody{
			Error:    "insufficient_funds",
			Message:  "Your balance is too low for this order. Add funds and try again.",
			Redirect: orders.AddFundsPath,
		}
		if errors.As(err, &insufficient) {
			body.Balance = insufficient.Balance.String()
			body.Required = insufficient.Required.String()
		}
		writeJSON(w, http.StatusPaymentRequired, body)
	case errors.Is(err, apperr.ErrAuthenticationRequired):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication_required", Message: "Sign in to continue."})
	case errors.Is(err, apperr.ErrAccountBlocked):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "account_blocked", Message: "Your account has been blocked. Contact support."})
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "You are not allowed to do this."})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "Not found."})
	case errors.Is(err, apperr.ErrAlreadyProcessed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "already_processed", Message: "This transaction was already processed."})
	case errors.Is(err, apperr.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, errorBody{Error: "duplicate_reference", Message: "This transaction reference was already submitted."})
	case errors.Is(err, errOrderInFlight):
		writeJSON(w, http.StatusConflict, errorBody{Error: "order_in_flight", Message: "Your previous order is still being placed."})
	case errors.Is(err, apperr.ErrClaimExpired):
		writeJSON(w, http.StatusGone, errorBody{Error: "claim_expired", Message: "The payment window has closed. Start a new recharge."})
	case errors.Is(err, apperr.ErrCompensation):
		s.logger.Error("refund failed after order creation failure", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "refund_pending",
			Message: "Your order could not be created and the refund is delayed. Support has been alerted.",
		})
	case errors.Is(err, apperr.ErrCreationFailed), errors.Is(err, apperr.ErrPersistence):
		s.logger.Warn("store unavailable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "Something went wrong on our side, please retry."})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("http").Inc()
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal server error"})
	}
}

// decodeJSON reads a single JSON object into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("body", "request body is empty")
		}
		return apperr.Invalid("body", "invalid JSON: %v", err)
	}
	if dec.More() {
		return apperr.Invalid("body", "request body must hold a single object")
	}
	return nil
}

// pathID returns the {id} path segment. Every row id is a UUID.
func pathID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if id == "" {
		return "", fmt.Errorf("missing id: %w", apperr.ErrNotFound)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.Invalid("id", "must be a UUID")
	}
	return id, nil
}
