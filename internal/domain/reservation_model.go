package domain

import "time"

// Membership is a user's access grant to a training program ("tiquetera").
// It is never cached: credit counts change server-side.
type Membership struct {
	ID               string `json:"id"`
	CenterName       string `json:"center_name"`
	VenueName        string `json:"venue_name"`
	SportName        string `json:"sport_name"`
	CenterID         string `json:"center_id"`
	ParticipantID    string `json:"participant_id"`
	RemainingCredits int    `json:"remaining_credits"`
	Unlimited        bool   `json:"unlimited"`

	// Only used to build the reservation payload.
	BookingSystemID string `json:"booking_system_id,omitempty"`
	ScenarioID      string `json:"scenario_id,omitempty"`
}

// Slot is a bookable time window ("horario").
type Slot struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Capacity  int    `json:"capacity"`
	TurnID    string `json:"turn_id,omitempty"`
}

// Reservation pairs one membership with one slot. It carries no outcome.
type Reservation struct {
	Membership Membership `json:"membership"`
	Slot       Slot       `json:"slot"`
}

// ReservationPayload is the backend wire form of a Reservation. The tags
// serve both the JSON and the form-encoded submission shapes.
type ReservationPayload struct {
	MembershipID    string `json:"id_tiquetera" url:"id_tiquetera"`
	CenterID        string `json:"id_centro_entrenamiento" url:"id_centro_entrenamiento"`
	ParticipantID   string `json:"id_participacion_deportista" url:"id_participacion_deportista"`
	Date            string `json:"fecha" url:"fecha"`
	StartTime       string `json:"hora_inicio" url:"hora_inicio"`
	EndTime         string `json:"hora_fin" url:"hora_fin"`
	TurnID          string `json:"id_turno,omitempty" url:"id_turno,omitempty"`
	BookingSystemID string `json:"id_sistema_reserva,omitempty" url:"id_sistema_reserva,omitempty"`
	ScenarioID      string `json:"id_escenario,omitempty" url:"id_escenario,omitempty"`
}

// Payload is built only at submission time.
func (r Reservation) Payload() ReservationPayload {
	return ReservationPayload{
		MembershipID:    r.Membership.ID,
		CenterID:        r.Membership.CenterID,
		ParticipantID:   r.Membership.ParticipantID,
		Date:            r.Slot.Date,
		StartTime:       r.Slot.StartTime,
		EndTime:         r.Slot.EndTime,
		TurnID:          r.Slot.TurnID,
		BookingSystemID: r.Membership.BookingSystemID,
		ScenarioID:      r.Membership.ScenarioID,
	}
}

// StagedReservation is a reservation pending confirmation. The display
// fields are derived from Reservation and are not authoritative.
type StagedReservation struct {
	Reservation Reservation `json:"reservation"`
	CenterName  string      `json:"center_name"`
	VenueName   string      `json:"venue_name"`
	Date        string      `json:"date"`
	StartTime   string      `json:"start_time"`
	EndTime     string      `json:"end_time"`
}

func NewStagedReservation(r Reservation) StagedReservation {
	return StagedReservation{
		Reservation: r,
		CenterName:  r.Membership.CenterName,
		VenueName:   r.Membership.VenueName,
		Date:        r.Slot.Date,
		StartTime:   r.Slot.StartTime,
		EndTime:     r.Slot.EndTime,
	}
}

// Identity is the registry key for a UserSession.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Synthetic   bool   `json:"synthetic"`
}

type Outcome struct {
	Position    int         `json:"position"`
	Reservation Reservation `json:"reservation"`
	OK          bool        `json:"ok"`
	Reason      string      `json:"reason,omitempty"`
}

type BatchResult struct {
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	Outcomes    []Outcome `json:"outcomes"`
	CompletedAt time.Time `json:"completed_at"`
}
