package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/http/middleware"
	"github.com/diagnosis/slotbridge/internal/http/response"
	"github.com/diagnosis/slotbridge/internal/utils"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/go-chi/chi/v5"
)

type ReservationsHandler struct {
	Sessions Sessions
}

func NewReservationsHandler(sessions Sessions) *ReservationsHandler {
	return &ReservationsHandler{Sessions: sessions}
}

type sportGroup struct {
	Sport       string              `json:"sport"`
	Memberships []domain.Membership `json:"memberships"`
}

func (h *ReservationsHandler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	c, err := h.Sessions.Client(middleware.Identity(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	ms := c.ListMemberships(r.Context())
	groups := map[string][]domain.Membership{}
	for _, m := range ms {
		groups[m.SportName] = append(groups[m.SportName], m)
	}
	bySport := make([]sportGroup, 0, len(groups))
	for sport, list := range groups {
		bySport = append(bySport, sportGroup{Sport: sport, Memberships: list})
	}
	sort.Slice(bySport, func(i, j int) bool { return bySport[i].Sport < bySport[j].Sport })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memberships": ms,
		"by_sport":    bySport,
	})
}

func (h *ReservationsHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	date := utils.NormalizeString(r.URL.Query().Get("date"))
	if !utils.IsValidDate(date) {
		response.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}
	c, err := h.Sessions.Client(middleware.Identity(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	m, ok := c.FindMembership(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeDomainError(w, r, domain.ErrMembershipNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"membership": m,
		"date":       date,
		"slots":      c.ListSlots(r.Context(), m, date),
	})
}

func (h *ReservationsHandler) ListStaged(w http.ResponseWriter, r *http.Request) {
	staged, err := h.Sessions.Staged(middleware.Identity(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"staged":        staged,
		"total_pending": len(staged),
	})
}

type stageReq struct {
	MembershipID string      `json:"membership_id"`
	Slot         domain.Slot `json:"slot"`
}

func (h *ReservationsHandler) Stage(w http.ResponseWriter, r *http.Request) {
	var in stageReq
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.BadRequest(w, "invalid json")
		return
	}
	in.MembershipID = utils.NormalizeString(in.MembershipID)
	if in.MembershipID == "" || !utils.IsValidDate(in.Slot.Date) || utils.NormalizeString(in.Slot.StartTime) == "" {
		response.BadRequest(w, "membership_id, slot.date and slot.start_time required")
		return
	}

	id := middleware.Identity(r)
	c, err := h.Sessions.Client(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	m, ok := c.FindMembership(r.Context(), in.MembershipID)
	if !ok {
		writeDomainError(w, r, domain.ErrMembershipNotFound)
		return
	}

	n, err := h.Sessions.Stage(id, domain.Reservation{Membership: m, Slot: in.Slot})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	logger.InfoContext(r.Context(), "Reservation staged", "membership", m.ID, "date", in.Slot.Date, "start", in.Slot.StartTime)
	writeJSON(w, http.StatusCreated, map[string]int{"total_pending": n})
}

func (h *ReservationsHandler) Unstage(w http.ResponseWriter, r *http.Request) {
	pos, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeDomainError(w, r, domain.ErrIndexOutOfRange)
		return
	}
	n, err := h.Sessions.Unstage(middleware.Identity(r), pos)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_pending": n})
}

func (h *ReservationsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Clear(middleware.Identity(r)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_pending": 0})
}

func (h *ReservationsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sessions.Confirm(r.Context(), middleware.Identity(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
