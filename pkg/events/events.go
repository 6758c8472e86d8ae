package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("slotbridge"), nats.Timeout(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// NopBus drops every event. Used when NATS is not configured.
type NopBus struct{}

func (NopBus) Publish(ctx context.Context, subject string, data interface{}) error {
	logger.DebugContext(ctx, "Event dropped, no bus configured", "subject", subject)
	return nil
}

func (NopBus) Close() error { return nil }

// Connect returns a NATS bus, or a NopBus when url is empty or unreachable.
func Connect(url string) Publisher {
	if url == "" {
		return NopBus{}
	}
	bus, err := NewNATSEventBus(url)
	if err != nil {
		logger.Warn("Event bus unavailable, events disabled", "error", err)
		return NopBus{}
	}
	return bus
}

// Event types and subjects
const (
	SessionOpened  = "session.opened"
	SessionClosed  = "session.closed"
	SessionExpired = "session.expired"

	LoginFailed = "login.failed"

	ReservationSubmitted = "reservation.submitted"
	BatchCompleted       = "reservation.batch.completed"
)

// Event payloads
type SessionEvent struct {
	Identity  string    `json:"identity"`
	Synthetic bool      `json:"synthetic"`
	At        time.Time `json:"at"`
}

type LoginFailedEvent struct {
	AttemptID string    `json:"attempt_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type ReservationSubmittedEvent struct {
	Identity     string `json:"identity"`
	MembershipID string `json:"membership_id"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
}

type BatchCompletedEvent struct {
	Identity    string    `json:"identity"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	CompletedAt time.Time `json:"completed_at"`
}
