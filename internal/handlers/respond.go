package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/duaia/backend/internal/gate"
	"github.com/duaia/backend/internal/ledger"
	"github.com/duaia/backend/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes. Anything unmapped is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gate.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, gate.ErrUnknownOperation), errors.Is(err, gate.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidUnit), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, gate.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gate.ErrProviderSubmission):
		return http.StatusBadGateway
	case errors.Is(err, gate.ErrTaskNotFound), errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, repository.ErrInviteNotFound):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrForbidden), errors.Is(err, gate.ErrProviderMismatch):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrInviteUsed), errors.Is(err, repository.ErrInviteExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and hidden from the client.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
