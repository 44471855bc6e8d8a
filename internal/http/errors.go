package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

type errorBody struct {
	Error     string      `json:"error"`
	Message   string      `json:"message,omitempty"`
	Requested int         `json:"requested,omitempty"`
	Available *int        `json:"available,omitempty"`
	Shortfall int         `json:"shortfall,omitempty"`
	Order     interface{} `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, errorBody) {
	var short *domain.InsufficientStockError
	if errors.As(err, &short) {
		available := short.Available
		return http.StatusConflict, errorBody{
			Error:     "insufficient_stock",
			Message:   short.Error(),
			Requested: short.Requested,
			Available: &available,
			Shortfall: short.Shortfall,
		}
	}
	table := []struct {
		target error
		status int
		code   string
	}{
		{domain.ErrIntegrity, http.StatusInternalServerError, "integrity_fault"},
		{domain.ErrNotOwner, http.StatusForbidden, "not_owner"},
		{domain.ErrAccessDenied, http.StatusForbidden, "access_denied"},
		{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{domain.ErrInvalidCode, http.StatusNotFound, "invalid_code"},
		{domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrAlreadyIssued, http.StatusConflict, "already_issued"},
		{domain.ErrQuantityLocked, http.StatusConflict, "quantity_locked"},
		{domain.ErrTicketTypeClosed, http.StatusConflict, "ticket_type_inactive"},
		{domain.ErrSerializationFailure, http.StatusConflict, "retry"},
		{domain.ErrConflict, http.StatusConflict, "conflict"},
		{domain.ErrDeliveryFailed, http.StatusBadGateway, "delivery_failed"},
	}
	for _, e := range table {
		if errors.Is(err, e.target) {
			body := errorBody{Error: e.code, Message: err.Error()}
			if e.status == http.StatusInternalServerError {
				body.Message = ""
			}
			return e.status, body
		}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal"}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= 500 {
		loggerFrom(r.Context()).WithField("status", status).WithError(err).Error("request failed")
	}
	writeJSON(w, status, body)
}
