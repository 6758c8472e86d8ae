package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/resolver"
	"github.com/diagnosis/slotbridge/internal/utils"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"golang.org/x/sync/semaphore"
)

const unknown = "Unknown"

var errNoParticipant = errors.New("participant lookup returned no people")

// Resolver is the subset of *resolver.Resolver the client needs.
type Resolver interface {
	Resolve(ctx context.Context, op resolver.Operation, req resolver.Request) (*resolver.Response, error)
}

type Participant struct {
	ID   string
	Name string
}

// Client is the typed API over one user's backend session. All outbound
// calls are serialized: the backend session cookie is stateful.
type Client struct {
	res Resolver
	sem *semaphore.Weighted
}

func New(res Resolver) *Client {
	return &Client{res: res, sem: semaphore.NewWeighted(1)}
}

func (c *Client) serialize(ctx context.Context, fn func() error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return fn()
}

type rawPerson struct {
	ParticipantID flexString `json:"id_participacion"`
	Name          flexString `json:"nombre"`
	Names         flexString `json:"nombres"`
}

type familyGroup struct {
	People []rawPerson `json:"personas"`
}

// Participant resolves the account holder's participant id.
func (c *Client) Participant(ctx context.Context) (Participant, error) {
	var p Participant
	err := c.serialize(ctx, func() error {
		var err error
		p, err = c.lookupParticipant(ctx)
		return err
	})
	return p, err
}

func (c *Client) lookupParticipant(ctx context.Context) (Participant, error) {
	resp, err := c.res.Resolve(ctx, resolver.OpLookupParticipant, resolver.Request{})
	if err != nil {
		return Participant{}, fmt.Errorf("lookup participant: %w", err)
	}
	var fg familyGroup
	if err := resp.Decode(&fg); err != nil {
		return Participant{}, fmt.Errorf("lookup participant: decode: %w", err)
	}
	if len(fg.People) == 0 || utils.NormalizeString(string(fg.People[0].ParticipantID)) == "" {
		return Participant{}, errNoParticipant
	}
	first := fg.People[0]
	name := utils.NormalizeString(string(first.Name))
	if name == "" {
		name = utils.NormalizeString(string(first.Names))
	}
	return Participant{ID: utils.NormalizeString(string(first.ParticipantID)), Name: name}, nil
}

type rawMembership struct {
	ID              flexString `json:"id"`
	CenterName      flexString `json:"nombre_centro_entrenamiento"`
	VenueName       flexString `json:"nombre_sede"`
	SportName       flexString `json:"nombre_deporte"`
	CenterID        flexString `json:"id_centro_entrenamiento"`
	ParticipantID   flexString `json:"id_participacion_deportista"`
	Credits         flexInt    `json:"entradas"`
	Unlimited       flexBool   `json:"ilimitado"`
	BookingSystemID flexString `json:"id_sistema_reserva"`
	ScenarioID      flexString `json:"id_escenario"`
}

func (m rawMembership) toDomain() domain.Membership {
	return domain.Membership{
		ID:               utils.NormalizeString(string(m.ID)),
		CenterName:       utils.StringOr(string(m.CenterName), unknown),
		VenueName:        utils.StringOr(string(m.VenueName), unknown),
		SportName:        utils.StringOr(string(m.SportName), unknown),
		CenterID:         utils.NormalizeString(string(m.CenterID)),
		ParticipantID:    utils.NormalizeString(string(m.ParticipantID)),
		RemainingCredits: int(m.Credits),
		Unlimited:        bool(m.Unlimited),
		BookingSystemID:  utils.NormalizeString(string(m.BookingSystemID)),
		ScenarioID:       utils.NormalizeString(string(m.ScenarioID)),
	}
}

type membershipList struct {
	Items []json.RawMessage `json:"tiqueteras"`
}

// ListMemberships always returns a (possibly empty) list; backend faults
// are logged and absorbed.
func (c *Client) ListMemberships(ctx context.Context) []domain.Membership {
	var out []domain.Membership
	err := c.serialize(ctx, func() error {
		p, err := c.lookupParticipant(ctx)
		if err != nil {
			return err
		}
		resp, err := c.res.Resolve(ctx, resolver.OpListMemberships, resolver.Request{Participant: p.ID})
		if err != nil {
			return err
		}
		out = decodeMemberships(ctx, resp)
		return nil
	})
	if err != nil {
		logger.WarnContext(ctx, "Listing memberships failed", "error", err)
		return []domain.Membership{}
	}
	return out
}

func decodeMemberships(ctx context.Context, resp *resolver.Response) []domain.Membership {
	out := []domain.Membership{}
	var list membershipList
	if err := resp.Decode(&list); err != nil {
		logger.WarnContext(ctx, "Unexpected membership listing shape", "candidate", resp.Candidate, "error", err)
		return out
	}
	for i, item := range list.Items {
		var raw rawMembership
		if err := json.Unmarshal(item, &raw); err != nil {
			logger.WarnContext(ctx, "Skipping malformed membership record", "index", i, "error", err)
			continue
		}
		out = append(out, raw.toDomain())
	}
	return out
}

// FindMembership lists memberships and picks one by id.
func (c *Client) FindMembership(ctx context.Context, id string) (domain.Membership, bool) {
	for _, m := range c.ListMemberships(ctx) {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Membership{}, false
}

type rawSlot struct {
	Date      flexString `json:"fecha"`
	StartTime flexString `json:"hora_inicio"`
	EndTime   flexString `json:"hora_fin"`
	Capacity  flexInt    `json:"cupos_disponibles"`
	TurnID    flexString `json:"id_turno"`
}

type slotList struct {
	Items []json.RawMessage `json:"horarios"`
}

// ListSlots returns only slots with free capacity.
func (c *Client) ListSlots(ctx context.Context, m domain.Membership, date string) []domain.Slot {
	var out []domain.Slot
	err := c.serialize(ctx, func() error {
		p, err := c.lookupParticipant(ctx)
		if err != nil {
			return err
		}
		if m.ParticipantID == "" {
			m.ParticipantID = p.ID
		}
		resp, err := c.res.Resolve(ctx, resolver.OpListSlots, resolver.Request{
			Participant: p.ID,
			Membership:  m,
			Date:        date,
		})
		if err != nil {
			return err
		}
		out = decodeSlots(ctx, resp, date)
		return nil
	})
	if err != nil {
		logger.WarnContext(ctx, "Listing slots failed", "membership", m.ID, "date", date, "error", err)
		return []domain.Slot{}
	}
	return out
}

func decodeSlots(ctx context.Context, resp *resolver.Response, date string) []domain.Slot {
	out := []domain.Slot{}
	var list slotList
	if err := resp.Decode(&list); err != nil {
		logger.WarnContext(ctx, "Unexpected slot listing shape", "candidate", resp.Candidate, "error", err)
		return out
	}
	for i, item := range list.Items {
		var raw rawSlot
		if err := json.Unmarshal(item, &raw); err != nil {
			logger.WarnContext(ctx, "Skipping malformed slot record", "index", i, "error", err)
			continue
		}
		if raw.Capacity <= 0 {
			continue
		}
		out = append(out, domain.Slot{
			Date:      utils.StringOr(string(raw.Date), date),
			StartTime: utils.NormalizeString(string(raw.StartTime)),
			EndTime:   utils.NormalizeString(string(raw.EndTime)),
			Capacity:  int(raw.Capacity),
			TurnID:    utils.NormalizeString(string(raw.TurnID)),
		})
	}
	return out
}

type bookingResult struct {
	Success flexBool   `json:"success"`
	Status  flexString `json:"estado"`
	Message flexString `json:"mensaje"`
}

// Submit books one reservation. A backend that accepts the request but
// declines the booking yields domain.ErrBookingRejected.
func (c *Client) Submit(ctx context.Context, r domain.Reservation) error {
	return c.serialize(ctx, func() error {
		resp, err := c.res.Resolve(ctx, resolver.OpSubmitBooking, resolver.Request{
			Participant: r.Membership.ParticipantID,
			Membership:  r.Membership,
			Date:        r.Slot.Date,
			Reservation: r,
		})
		if err != nil {
			return fmt.Errorf("submit reservation: %w", err)
		}
		var res bookingResult
		if err := resp.Decode(&res); err != nil {
			return fmt.Errorf("%w: unexpected response shape", domain.ErrBookingRejected)
		}
		if bool(res.Success) || string(res.Status) == "exitoso" {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrBookingRejected, utils.StringOr(string(res.Message), "unknown error"))
	})
}

// SubmitReservation is the fail-soft form of Submit.
func (c *Client) SubmitReservation(ctx context.Context, r domain.Reservation) bool {
	if err := c.Submit(ctx, r); err != nil {
		logger.WarnContext(ctx, "Reservation not booked", "membership", r.Membership.ID, "date", r.Slot.Date, "start", r.Slot.StartTime, "error", err)
		return false
	}
	return true
}
