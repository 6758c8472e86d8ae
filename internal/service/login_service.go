package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/slotbridge/internal/bridge"
	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/platform/clock"
	"github.com/diagnosis/slotbridge/internal/session"
	"github.com/diagnosis/slotbridge/pkg/auth"
	"github.com/diagnosis/slotbridge/pkg/config"
	"github.com/diagnosis/slotbridge/pkg/events"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/google/uuid"
)

type Authenticator interface {
	Login(ctx context.Context) (*bridge.Credential, error)
}

type SessionOpener interface {
	Open(ctx context.Context, cred *bridge.Credential) *session.UserSession
	Close(ctx context.Context, id string) bool
}

type AttemptStatus string

const (
	StatusPending   AttemptStatus = "pending"
	StatusSucceeded AttemptStatus = "succeeded"
	StatusFailed    AttemptStatus = "failed"
	StatusCancelled AttemptStatus = "cancelled"
)

// Failure reasons reported to callers.
const (
	ReasonTimeout       = "timeout"
	ReasonBrowserClosed = "browser_closed"
	ReasonCancelled     = "cancelled"
	ReasonError         = "error"
)

// Attempt is a snapshot of one interactive login.
type Attempt struct {
	ID           string          `json:"attempt_id"`
	Status       AttemptStatus   `json:"status"`
	Identity     domain.Identity `json:"identity"`
	SessionToken string          `json:"session_token,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

type attempt struct {
	Attempt
	cancel context.CancelFunc
}

type LoginService interface {
	Begin(ctx context.Context) (Attempt, error)
	Status(id string) (Attempt, bool)
	Cancel(id string) bool
	Shutdown()
}

type loginService struct {
	auth     Authenticator
	sessions SessionOpener
	bus      events.Publisher
	cfg      config.AuthConfig
	retain   time.Duration
	clock    clock.Clock

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewLoginService(a Authenticator, sessions SessionOpener, bus events.Publisher, cfg *config.Config, clk clock.Clock) LoginService {
	base, stop := context.WithCancel(context.Background())
	return &loginService{
		auth:     a,
		sessions: sessions,
		bus:      bus,
		cfg:      cfg.Auth,
		retain:   cfg.Login.AttemptRetention,
		clock:    clk,
		base:     base,
		stop:     stop,
		attempts: make(map[string]*attempt),
	}
}

// Begin starts a login attempt in the background and returns immediately.
// The attempt outlives ctx; use Cancel to abort it.
func (s *loginService) Begin(ctx context.Context) (Attempt, error) {
	if s.base.Err() != nil {
		return Attempt{}, errors.New("login service is shutting down")
	}
	id := uuid.NewString()

	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	attemptCtx = context.WithValue(attemptCtx, logger.AttemptIDKey, id)
	unlink := context.AfterFunc(s.base, cancel)

	a := &attempt{
		Attempt: Attempt{ID: id, Status: StatusPending, StartedAt: s.clock.Now()},
		cancel:  cancel,
	}

	s.mu.Lock()
	s.pruneLocked()
	s.attempts[id] = a
	snapshot := a.Attempt
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unlink()
		defer cancel()
		s.run(attemptCtx, id)
	}()

	logger.InfoContext(attemptCtx, "Login attempt started")
	return snapshot, nil
}

func (s *loginService) run(ctx context.Context, id string) {
	cred, err := s.auth.Login(ctx)
	if err != nil {
		s.fail(ctx, id, err)
		return
	}

	us := s.sessions.Open(ctx, cred)
	token, err := auth.NewSessionToken(cred.Identity.ID, us.ID(), cred.Identity.DisplayName, cred.Identity.Synthetic, s.cfg.JWTSecret, s.cfg.SessionTokenTTL)
	if err != nil {
		s.sessions.Close(ctx, cred.Identity.ID)
		s.fail(ctx, id, fmt.Errorf("sign session token: %w", err))
		return
	}

	s.mu.Lock()
	if a, ok := s.attempts[id]; ok {
		a.Status = StatusSucceeded
		a.Identity = cred.Identity
		a.SessionToken = token
		a.FinishedAt = s.clock.Now()
	}
	s.mu.Unlock()
	logger.InfoContext(logger.WithUser(ctx, cred.Identity.ID), "Login attempt succeeded")
}

func (s *loginService) fail(ctx context.Context, id string, err error) {
	status, reason := StatusFailed, ReasonError
	switch {
	case errors.Is(err, context.Canceled):
		status, reason = StatusCancelled, ReasonCancelled
	case errors.Is(err, domain.ErrAuthTimeout):
		reason = ReasonTimeout
	case errors.Is(err, domain.ErrBrowserClosed):
		reason = ReasonBrowserClosed
	}

	s.mu.Lock()
	if a, ok := s.attempts[id]; ok {
		a.Status = status
		a.Reason = reason
		a.FinishedAt = s.clock.Now()
	}
	s.mu.Unlock()

	logger.WarnContext(ctx, "Login attempt failed", "reason", reason, "error", err)
	ev := events.LoginFailedEvent{AttemptID: id, Reason: reason, At: s.clock.Now()}
	if perr := s.bus.Publish(context.WithoutCancel(ctx), events.LoginFailed, ev); perr != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", events.LoginFailed, "error", perr)
	}
}

func (s *loginService) Status(id string) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	a, ok := s.attempts[id]
	if !ok {
		return Attempt{}, false
	}
	return a.Attempt, true
}

// Cancel aborts a pending attempt. The bridge releases the browser.
func (s *loginService) Cancel(id string) bool {
	s.mu.Lock()
	a, ok := s.attempts[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	return true
}

// Shutdown cancels every pending attempt and waits for them to finish.
func (s *loginService) Shutdown() {
	s.stop()
	s.wg.Wait()
}

func (s *loginService) pruneLocked() {
	if s.retain <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.retain)
	for id, a := range s.attempts {
		if a.Status != StatusPending && a.FinishedAt.Before(cutoff) {
			delete(s.attempts, id)
		}
	}
}
