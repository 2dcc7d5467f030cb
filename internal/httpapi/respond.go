package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"kasirledger/internal/domain"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// statusForKind maps a domain error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyExists, domain.KindRegisterAlreadyOpen, domain.KindConcurrencyConflict:
		return http.StatusConflict
	case domain.KindValidation, domain.KindInsufficientStock, domain.KindCreditLimitExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindRegisterClosed:
		return http.StatusLocked
	case domain.KindIdempotencyInProgress:
		return http.StatusServiceUnavailable
	case domain.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeDomainError answers with the status and code of err's kind. Typed
// failures carry their payload in details.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)
	body := errorBody{Error: err.Error(), Code: kind}

	var stockErr *domain.InsufficientStockError
	var creditErr *domain.CreditLimitExceededError
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &stockErr):
		body.Details = stockErr
	case errors.As(err, &creditErr):
		body.Details = creditErr
	case errors.As(err, &validationErr):
		body.Field = validationErr.Field
	}

	if kind == domain.KindIdempotencyInProgress || kind == domain.KindConcurrencyConflict {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		body = errorBody{Error: "internal server error", Code: domain.KindInternal}
		if kind == domain.KindIdempotencyInProgress {
			body = errorBody{Error: err.Error(), Code: kind}
		}
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}
