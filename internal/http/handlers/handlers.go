package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/http/response"
	"github.com/diagnosis/slotbridge/internal/session"
	"github.com/diagnosis/slotbridge/pkg/logger"
)

// Sessions is the registry surface the handlers use.
type Sessions interface {
	Active(id, sessionID string) bool
	Client(id string) (session.APIClient, error)
	Stage(id string, r domain.Reservation) (int, error)
	Unstage(id string, pos int) (int, error)
	Clear(id string) error
	Staged(id string) ([]domain.StagedReservation, error)
	Confirm(ctx context.Context, id string) (domain.BatchResult, error)
	Close(ctx context.Context, id string) bool
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	response.WriteJSON(w, statusCode, data)
}

// writeDomainError maps domain sentinels to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		response.WriteError(w, http.StatusUnauthorized, "session expired, log in again", response.CodeSessionExpired)
	case errors.Is(err, domain.ErrIndexOutOfRange):
		response.WriteError(w, http.StatusBadRequest, "invalid staged reservation index", response.CodeIndexOutOfRange)
	case errors.Is(err, domain.ErrNothingStaged):
		response.WriteError(w, http.StatusBadRequest, "no staged reservations to confirm", response.CodeNothingStaged)
	case errors.Is(err, domain.ErrMembershipNotFound):
		response.NotFound(w, "membership not found")
	default:
		logger.ErrorContext(r.Context(), "Request failed", "error", err)
		response.InternalError(w, "internal error")
	}
}
