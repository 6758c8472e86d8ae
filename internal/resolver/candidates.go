package resolver

import (
	"net/http"

	"github.com/diagnosis/slotbridge/internal/domain"
)

type Operation string

const (
	OpLookupParticipant Operation = "lookup-participant"
	OpListMemberships   Operation = "list-memberships"
	OpListSlots         Operation = "list-slots"
	OpSubmitBooking     Operation = "submit-booking"
)

type Encoding int

const (
	// EncodeQuery puts the payload in the URL query string.
	EncodeQuery Encoding = iota
	EncodeForm
	EncodeJSON
)

// Request carries the identifiers an operation's payload builders need.
type Request struct {
	Participant string
	Membership  domain.Membership
	Date        string
	Reservation domain.Reservation
}

// Candidate is one guess at an undocumented endpoint's contract.
type Candidate struct {
	Name     string
	Method   string
	Path     string // may contain {participant}
	Encoding Encoding
	// Payload returns a struct tagged for both url and json encodings, or nil.
	Payload func(Request) any
}

const (
	pathFamilyGroup  = "/sistema.php/grupofamiliar/lista/json"
	pathMemberships  = "/sistema.php/entrenamiento/reserva/tiqueteras"
	pathSlots        = "/sistema.php/entrenamiento/reserva/horarios"
	pathReserve      = "/sistema.php/entrenamiento/reserva/reservar"
	pathBookingPage  = "/sistema.php/entrenamiento/reserva/practica/libre"
	participantToken = "{participant}"
)

type participantPayload struct {
	ParticipantID string `url:"id_participacion" json:"id_participacion"`
}

type slotsPayload struct {
	CenterID      string `url:"id_centro_entrenamiento" json:"id_centro_entrenamiento"`
	ParticipantID string `url:"id_participacion_deportista" json:"id_participacion_deportista"`
	Date          string `url:"fecha" json:"fecha"`
}

func byParticipant(req Request) any {
	return participantPayload{ParticipantID: req.Participant}
}

func bySlotWindow(req Request) any {
	return slotsPayload{
		CenterID:      req.Membership.CenterID,
		ParticipantID: req.Membership.ParticipantID,
		Date:          req.Date,
	}
}

func byReservation(req Request) any {
	return req.Reservation.Payload()
}

// DefaultCandidates lists the known request shapes per operation in the
// order they are tried. Both the GET-probing and the fixed-POST contracts
// seen against the backend are present.
func DefaultCandidates() map[Operation][]Candidate {
	return map[Operation][]Candidate{
		OpLookupParticipant: {
			{Name: "family-group-get", Method: http.MethodGet, Path: pathFamilyGroup, Encoding: EncodeQuery},
			{Name: "family-group-post", Method: http.MethodPost, Path: pathFamilyGroup, Encoding: EncodeForm},
		},
		OpListMemberships: {
			{Name: "memberships-post-form", Method: http.MethodPost, Path: pathMemberships, Encoding: EncodeForm, Payload: byParticipant},
			{Name: "memberships-get-path", Method: http.MethodGet, Path: pathMemberships + "/" + participantToken, Encoding: EncodeQuery},
			{Name: "memberships-get-query", Method: http.MethodGet, Path: pathMemberships, Encoding: EncodeQuery, Payload: byParticipant},
			{Name: "memberships-post-json", Method: http.MethodPost, Path: pathMemberships, Encoding: EncodeJSON, Payload: byParticipant},
		},
		OpListSlots: {
			{Name: "slots-get-query", Method: http.MethodGet, Path: pathSlots, Encoding: EncodeQuery, Payload: bySlotWindow},
			{Name: "slots-post-form", Method: http.MethodPost, Path: pathSlots, Encoding: EncodeForm, Payload: bySlotWindow},
			{Name: "slots-post-json", Method: http.MethodPost, Path: pathSlots, Encoding: EncodeJSON, Payload: bySlotWindow},
		},
		OpSubmitBooking: {
			{Name: "reserve-post-json", Method: http.MethodPost, Path: pathReserve, Encoding: EncodeJSON, Payload: byReservation},
			{Name: "reserve-post-form", Method: http.MethodPost, Path: pathReserve, Encoding: EncodeForm, Payload: byReservation},
		},
	}
}
