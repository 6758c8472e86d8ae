package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diagnosis/slotbridge/internal/batch"
	"github.com/diagnosis/slotbridge/internal/bridge"
	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/platform/clock"
	"github.com/diagnosis/slotbridge/pkg/events"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/google/uuid"
)

// APIClient is the per-user backend API bound to one credential.
type APIClient interface {
	ListMemberships(ctx context.Context) []domain.Membership
	ListSlots(ctx context.Context, m domain.Membership, date string) []domain.Slot
	FindMembership(ctx context.Context, id string) (domain.Membership, bool)
	Submit(ctx context.Context, r domain.Reservation) error
	SubmitReservation(ctx context.Context, r domain.Reservation) bool
}

type ClientFactory func(cred *bridge.Credential) APIClient

// UserSession binds one identity to its credential, client and staged list.
// The staged list is only touched with mu held.
type UserSession struct {
	id       string
	identity domain.Identity
	cred     *bridge.Credential
	client   APIClient

	mu       sync.Mutex
	staged   []domain.StagedReservation
	lastSeen atomic.Int64
	closed   atomic.Bool
}

func (s *UserSession) Identity() domain.Identity { return s.identity }

// ID is unique per Open, so tokens minted for an earlier login of the same
// identity do not match it.
func (s *UserSession) ID() string { return s.id }

func (s *UserSession) release() {
	s.closed.Store(true)
	if s.cred != nil && s.cred.Client != nil {
		s.cred.Client.CloseIdleConnections()
	}
}

// Registry owns every UserSession in the process. Its lock guards only the
// map; list operations lock the individual session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession

	newClient ClientFactory
	clock     clock.Clock
	idleTTL   time.Duration
	bus       events.Publisher
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIdleTTL evicts sessions unused for d. Zero disables eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) { r.idleTTL = d }
}

func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.bus = p }
}

func NewRegistry(newClient ClientFactory, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*UserSession),
		newClient: newClient,
		clock:     clock.NewSystem(),
		bus:       events.NopBus{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open replaces any existing session for the credential's identity.
func (r *Registry) Open(ctx context.Context, cred *bridge.Credential) *UserSession {
	s := &UserSession{
		id:       uuid.NewString(),
		identity: cred.Identity,
		cred:     cred,
		client:   r.newClient(cred),
		staged:   []domain.StagedReservation{},
	}
	s.touch(r.clock.Now())

	r.mu.Lock()
	prev := r.sessions[cred.Identity.ID]
	r.sessions[cred.Identity.ID] = s
	r.mu.Unlock()
	if prev != nil {
		prev.release()
	}

	logger.InfoContext(ctx, "Session opened", "identity", cred.Identity.ID, "synthetic", cred.Identity.Synthetic)
	r.publish(ctx, events.SessionOpened, cred.Identity)
	return s
}

// Close drops the session. It reports whether one existed.
func (r *Registry) Close(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.release()
	logger.InfoContext(ctx, "Session closed", "identity", id)
	r.publish(ctx, events.SessionClosed, s.identity)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) get(id string) (*UserSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.closed.Load() {
		return nil, domain.ErrNotAuthenticated
	}
	now := r.clock.Now()
	if r.expired(s, now) {
		r.evict(context.Background(), id, s)
		return nil, domain.ErrNotAuthenticated
	}
	s.touch(now)
	return s, nil
}

// lock returns the session with its list lock held.
func (r *Registry) lock(id string) (*UserSession, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, domain.ErrNotAuthenticated
	}
	return s, nil
}

// Active reports whether id has a live session opened as sessionID,
// refreshing its idle timer.
func (r *Registry) Active(id, sessionID string) bool {
	s, err := r.get(id)
	return err == nil && s.id == sessionID
}

func (r *Registry) Session(id string) (*UserSession, error) {
	return r.get(id)
}

func (r *Registry) Client(id string) (APIClient, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.client, nil
}

// Stage appends a reservation and returns the new pending count.
func (r *Registry) Stage(id string, res domain.Reservation) (int, error) {
	s, err := r.lock(id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	s.staged = append(s.staged, domain.NewStagedReservation(res))
	return len(s.staged), nil
}

// Unstage removes the item at pos, keeping the others in order.
func (r *Registry) Unstage(id string, pos int) (int, error) {
	s, err := r.lock(id)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if pos < 0 || pos >= len(s.staged) {
		return len(s.staged), domain.ErrIndexOutOfRange
	}
	next := make([]domain.StagedReservation, 0, len(s.staged)-1)
	next = append(next, s.staged[:pos]...)
	next = append(next, s.staged[pos+1:]...)
	s.staged = next
	return len(s.staged), nil
}

func (r *Registry) Clear(id string) error {
	s, err := r.lock(id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.staged = []domain.StagedReservation{}
	return nil
}

// Staged returns a copy of the pending list.
func (r *Registry) Staged(id string) ([]domain.StagedReservation, error) {
	s, err := r.lock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]domain.StagedReservation, len(s.staged))
	copy(out, s.staged)
	return out, nil
}

// Confirm executes the staged list and empties it, whatever the outcome.
// The session lock is held for the whole batch. Once drained, every item is
// submitted even if the caller goes away; each backend call keeps its own
// request timeout.
func (r *Registry) Confirm(ctx context.Context, id string) (domain.BatchResult, error) {
	s, err := r.lock(id)
	if err != nil {
		return domain.BatchResult{}, err
	}
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return domain.BatchResult{}, domain.ErrNothingStaged
	}
	rs := make([]domain.Reservation, len(s.staged))
	for i, st := range s.staged {
		rs[i] = st.Reservation
	}
	s.staged = []domain.StagedReservation{}

	sub := &touchingSubmitter{client: s.client, session: s, clock: r.clock}
	exec := batch.New(sub, batch.WithEvents(r.bus), batch.WithIdentity(id))
	res := exec.ExecuteAll(context.WithoutCancel(ctx), rs)
	s.touch(r.clock.Now())
	return res, nil
}

func (s *UserSession) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// touchingSubmitter keeps a session out of idle expiry while its batch runs.
type touchingSubmitter struct {
	client  APIClient
	session *UserSession
	clock   clock.Clock
}

func (t *touchingSubmitter) Submit(ctx context.Context, res domain.Reservation) error {
	t.session.touch(t.clock.Now())
	return t.client.Submit(ctx, res)
}

func (r *Registry) expired(s *UserSession, now time.Time) bool {
	if r.idleTTL <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, s.lastSeen.Load())) > r.idleTTL
}

func (r *Registry) evict(ctx context.Context, id string, s *UserSession) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	} else {
		s = nil
	}
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.release()
	logger.InfoContext(ctx, "Session expired", "identity", id)
	r.publish(ctx, events.SessionExpired, s.identity)
}

// Reap evicts idle sessions and returns how many were removed.
func (r *Registry) Reap(ctx context.Context, now time.Time) int {
	if r.idleTTL <= 0 {
		return 0
	}
	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if r.expired(s, now) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range idle {
		r.mu.RLock()
		s := r.sessions[id]
		r.mu.RUnlock()
		if s != nil && r.expired(s, now) {
			r.evict(ctx, id, s)
			n++
		}
	}
	return n
}

// Run reaps idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if r.idleTTL <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Reap(ctx, r.clock.Now()); n > 0 {
				logger.InfoContext(ctx, "Reaped idle sessions", "count", n)
			}
		}
	}
}

func (r *Registry) publish(ctx context.Context, subject string, id domain.Identity) {
	ev := events.SessionEvent{Identity: id.ID, Synthetic: id.Synthetic, At: r.clock.Now()}
	if err := r.bus.Publish(context.WithoutCancel(ctx), subject, ev); err != nil {
		logger.WarnContext(ctx, "Failed to publish event", "subject", subject, "error", err)
	}
}
