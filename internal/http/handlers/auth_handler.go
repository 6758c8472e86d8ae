package handlers

import (
	"net/http"

	"github.com/diagnosis/slotbridge/internal/http/middleware"
	"github.com/diagnosis/slotbridge/internal/http/response"
	"github.com/diagnosis/slotbridge/internal/service"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/go-chi/chi/v5"
)

type AuthHandler struct {
	Logins   service.LoginService
	Sessions Sessions
}

func NewAuthHandler(logins service.LoginService, sessions Sessions) *AuthHandler {
	return &AuthHandler{Logins: logins, Sessions: sessions}
}

// BeginLogin opens a browser for the user and returns the attempt to poll.
func (h *AuthHandler) BeginLogin(w http.ResponseWriter, r *http.Request) {
	a, err := h.Logins.Begin(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusServiceUnavailable, err.Error(), response.CodeUnavailable)
		return
	}
	w.Header().Set("Location", "/v1/auth/login/"+a.ID)
	writeJSON(w, http.StatusAccepted, a)
}

func (h *AuthHandler) LoginStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.Logins.Status(chi.URLParam(r, "id"))
	if !ok {
		response.NotFound(w, "login attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AuthHandler) CancelLogin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.Logins.Cancel(id) {
		response.NotFound(w, "login attempt not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attempt_id": id, "status": "cancelling"})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	id := middleware.Identity(r)
	h.Sessions.Close(r.Context(), id)
	logger.InfoContext(r.Context(), "User logged out")
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
