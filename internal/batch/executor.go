package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/pkg/events"
	"github.com/diagnosis/slotbridge/pkg/logger"
)

type Submitter interface {
	Submit(ctx context.Context, r domain.Reservation) error
}

// Executor submits staged reservations one at a time, in order. A failed
// item never stops the batch and is never retried.
type Executor struct {
	sub      Submitter
	bus      events.Publisher
	identity string
}

type Option func(*Executor)

func WithEvents(p events.Publisher) Option {
	return func(e *Executor) { e.bus = p }
}

func WithIdentity(id string) Option {
	return func(e *Executor) { e.identity = id }
}

func New(sub Submitter, opts ...Option) *Executor {
	e := &Executor{sub: sub, bus: events.NopBus{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) ExecuteAll(ctx context.Context, reservations []domain.Reservation) domain.BatchResult {
	total := len(reservations)
	result := domain.BatchResult{Total: total, Outcomes: make([]domain.Outcome, 0, total)}
	if total == 0 {
		result.CompletedAt = time.Now()
		return result
	}

	logger.InfoContext(ctx, "Starting reservation batch", "total", total)
	for i, r := range reservations {
		out := domain.Outcome{Position: i, Reservation: r}

		if err := ctx.Err(); err != nil {
			// not submitted; still accounted for exactly once
			out.Reason = err.Error()
		} else if err := e.sub.Submit(ctx, r); err != nil {
			out.Reason = reason(err)
		} else {
			out.OK = true
		}

		if out.OK {
			result.Succeeded++
			logger.InfoContext(ctx, "Reservation booked", "progress", progress(i, total), "date", r.Slot.Date, "start", r.Slot.StartTime)
		} else {
			result.Failed++
			logger.WarnContext(ctx, "Reservation failed", "progress", progress(i, total), "date", r.Slot.Date, "start", r.Slot.StartTime, "reason", out.Reason)
		}
		result.Outcomes = append(result.Outcomes, out)
		e.publish(ctx, events.ReservationSubmitted, events.ReservationSubmittedEvent{
			Identity:     e.identity,
			MembershipID: r.Membership.ID,
			Date:         r.Slot.Date,
			StartTime:    r.Slot.StartTime,
			OK:           out.OK,
			Reason:       out.Reason,
		})
	}

	result.CompletedAt = time.Now()
	logger.InfoContext(ctx, "Reservation batch finished", "succeeded", result.Succeeded, "failed", result.Failed, "total", total)
	e.publish(ctx, events.BatchCompleted, events.BatchCompletedEvent{
		Identity:    e.identity,
		Succeeded:   result.Succeeded,
		Failed:      result.Failed,
		Total:       total,
		CompletedAt: result.CompletedAt,
	})
	return result
}

func (e *Executor) publish(ctx context.Context, subject string, payload any) {
	if err := e.bus.Publish(context.WithoutCancel(ctx), subject, payload); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}

func reason(err error) string {
	if errors.Is(err, domain.ErrResolution) {
		return "booking endpoint unavailable"
	}
	return err.Error()
}

func progress(i, total int) string {
	return fmt.Sprintf("[%d/%d]", i+1, total)
}
