package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/slotbridge/internal/bridge"
	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/internal/http/handlers"
	"github.com/diagnosis/slotbridge/internal/service"
	"github.com/diagnosis/slotbridge/internal/session"
	"github.com/diagnosis/slotbridge/pkg/auth"
)

const secret = "test-secret"

// ---------- Mocks ----------

type mockClient struct {
	mu      sync.Mutex
	members []domain.Membership
	slots   []domain.Slot
	reject  map[string]bool
	booked  []string
}

func (m *mockClient) ListMemberships(context.Context) []domain.Membership { return m.members }

func (m *mockClient) ListSlots(context.Context, domain.Membership, string) []domain.Slot {
	return m.slots
}

func (m *mockClient) FindMembership(_ context.Context, id string) (domain.Membership, bool) {
	for _, mm := range m.members {
		if mm.ID == id {
			return mm, true
		}
	}
	return domain.Membership{}, false
}

func (m *mockClient) Submit(_ context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booked = append(m.booked, r.Slot.StartTime)
	if m.reject[r.Slot.StartTime] {
		return fmt.Errorf("%w: taken", domain.ErrBookingRejected)
	}
	return nil
}

func (m *mockClient) SubmitReservation(ctx context.Context, r domain.Reservation) bool {
	return m.Submit(ctx, r) == nil
}

type mockLogins struct {
	attempts map[string]service.Attempt
	cancels  []string
}

func (m *mockLogins) Begin(context.Context) (service.Attempt, error) {
	a := service.Attempt{ID: "att-1", Status: service.StatusPending}
	m.attempts[a.ID] = a
	return a, nil
}

func (m *mockLogins) Status(id string) (service.Attempt, bool) {
	a, ok := m.attempts[id]
	return a, ok
}

func (m *mockLogins) Cancel(id string) bool {
	if _, ok := m.attempts[id]; !ok {
		return false
	}
	m.cancels = append(m.cancels, id)
	return true
}

func (m *mockLogins) Shutdown() {}

type env struct {
	srv      *httptest.Server
	client   *mockClient
	registry *session.Registry
	token    string
	logins   *mockLogins
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &mockClient{
		members: []domain.Membership{
			{ID: "12", CenterName: "Centro Norte", VenueName: "Sede 1", SportName: "Natación", CenterID: "3", ParticipantID: "901"},
			{ID: "13", CenterName: "Centro Sur", SportName: "Gimnasio"},
		},
		slots:  []domain.Slot{{Date: "2025-03-01", StartTime: "07:00", EndTime: "08:00", Capacity: 3}},
		reject: map[string]bool{},
	}
	reg := session.NewRegistry(func(*bridge.Credential) session.APIClient { return c })
	us := reg.Open(context.Background(), &bridge.Credential{Client: &http.Client{}, Identity: domain.Identity{ID: "901"}})

	logins := &mockLogins{attempts: map[string]service.Attempt{}}
	srv := httptest.NewServer(handlers.NewRouter(handlers.RouterConfig{
		Logins:      logins,
		Sessions:    reg,
		JWTSecret:   secret,
		CORSOrigins: []string{"*"},
	}))
	t.Cleanup(srv.Close)

	tok, err := auth.NewSessionToken("901", us.ID(), "Ana", false, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &env{srv: srv, client: c, registry: reg, token: tok, logins: logins}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, e.srv.URL+path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func stageBody(start string) map[string]interface{} {
	return map[string]interface{}{
		"membership_id": "12",
		"slot":          map[string]interface{}{"date": "2025-03-01", "start_time": start, "end_time": "08:00"},
	}
}

// ---------- Tests ----------

func TestMemberships_GroupedBySport(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/v1/memberships", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ms := body["memberships"].([]interface{}); len(ms) != 2 {
		t.Fatalf("expected 2 memberships, got %v", ms)
	}
	groups := body["by_sport"].([]interface{})
	if len(groups) != 2 || groups[0].(map[string]interface{})["sport"] != "Gimnasio" {
		t.Fatalf("unexpected grouping %v", groups)
	}
}

func TestSlots(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"ok", "/v1/memberships/12/slots?date=2025-03-01", http.StatusOK},
		{"bad date", "/v1/memberships/12/slots?date=tomorrow", http.StatusBadRequest},
		{"unknown membership", "/v1/memberships/99/slots?date=2025-03-01", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.do(t, http.MethodGet, tt.path, nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStagingFlow(t *testing.T) {
	e := newEnv(t)

	for i, start := range []string{"06:00", "07:00", "08:00"} {
		resp, body := e.do(t, http.MethodPost, "/v1/staged", stageBody(start))
		if resp.StatusCode != http.StatusCreated || body["total_pending"].(float64) != float64(i+1) {
			t.Fatalf("stage %s: status %d body %v", start, resp.StatusCode, body)
		}
	}

	resp, body := e.do(t, http.MethodDelete, "/v1/staged/1", nil)
	if resp.StatusCode != http.StatusOK || body["total_pending"].(float64) != 2 {
		t.Fatalf("unstage: status %d body %v", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodDelete, "/v1/staged/5", nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INDEX_OUT_OF_RANGE" {
		t.Fatalf("out of range: status %d body %v", resp.StatusCode, body)
	}

	_, body = e.do(t, http.MethodGet, "/v1/staged", nil)
	staged := body["staged"].([]interface{})
	if len(staged) != 2 ||
		staged[0].(map[string]interface{})["start_time"] != "06:00" ||
		staged[1].(map[string]interface{})["start_time"] != "08:00" {
		t.Fatalf("unexpected staged list %v", staged)
	}

	e.client.reject["08:00"] = true
	resp, body = e.do(t, http.MethodPost, "/v1/staged/confirm", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d", resp.StatusCode)
	}
	if body["succeeded"].(float64) != 1 || body["failed"].(float64) != 1 || body["total"].(float64) != 2 {
		t.Fatalf("unexpected confirm result %v", body)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/staged/confirm", nil)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "NOTHING_STAGED" {
		t.Fatalf("second confirm: status %d body %v", resp.StatusCode, body)
	}
}

func TestStage_Validation(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/staged", map[string]interface{}{"membership_id": "12"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}

	body := stageBody("06:00")
	body["membership_id"] = "404"
	resp, _ = e.do(t, http.MethodPost, "/v1/staged", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestClear(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/v1/staged", stageBody("06:00"))

	resp, _ := e.do(t, http.MethodDelete, "/v1/staged", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	_, body := e.do(t, http.MethodGet, "/v1/staged", nil)
	if body["total_pending"].(float64) != 0 {
		t.Fatalf("expected empty list, got %v", body)
	}
}

func TestLogout_ExpiresSession(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/auth/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, "/v1/staged", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "SESSION_EXPIRED" {
		t.Fatalf("expected SESSION_EXPIRED, got %d %v", resp.StatusCode, body)
	}
}

func TestRelogin_RejectsEarlierToken(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/v1/auth/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status %d", resp.StatusCode)
	}
	e.registry.Open(context.Background(), &bridge.Credential{Client: &http.Client{}, Identity: domain.Identity{ID: "901"}})

	resp, body := e.do(t, http.MethodGet, "/v1/staged", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "SESSION_EXPIRED" {
		t.Fatalf("expected SESSION_EXPIRED for token of earlier login, got %d %v", resp.StatusCode, body)
	}
}

func TestLoginAttemptRoutes(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/auth/login", nil)
	if resp.StatusCode != http.StatusAccepted || body["attempt_id"] != "att-1" {
		t.Fatalf("begin: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Location") != "/v1/auth/login/att-1" {
		t.Fatalf("missing Location header")
	}

	resp, body = e.do(t, http.MethodGet, "/v1/auth/login/att-1", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "pending" {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}

	resp, _ = e.do(t, http.MethodDelete, "/v1/auth/login/att-1", nil)
	if resp.StatusCode != http.StatusAccepted || len(e.logins.cancels) != 1 {
		t.Fatalf("cancel: %d %v", resp.StatusCode, e.logins.cancels)
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/auth/login/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown attempt: %d", resp.StatusCode)
	}
}

func TestUnauthenticated(t *testing.T) {
	e := newEnv(t)
	e.token = "garbage"
	resp, _ := e.do(t, http.MethodGet, "/v1/memberships", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
