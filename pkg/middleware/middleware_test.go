package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStore) Set(ctx context.Context, key, value string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestIdempotencyMiddleware_ReplaysSuccess(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"total":2}`))
	})
	h := IdempotencyMiddleware(&memStore{data: map[string]string{}}, time.Hour)(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/staged/confirm", nil)
		req.Header.Set("Idempotency-Key", "k1")
		req.Header.Set("Authorization", "Bearer a")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Body.String() != `{"total":2}` {
			t.Fatalf("call %d: unexpected body %q", i, rec.Body.String())
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}

	// a different caller with the same key is not replayed
	req := httptest.NewRequest(http.MethodPost, "/v1/staged/confirm", nil)
	req.Header.Set("Idempotency-Key", "k1")
	req.Header.Set("Authorization", "Bearer b")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if calls != 2 {
		t.Fatalf("expected second caller to reach handler, calls=%d", calls)
	}
}

func TestIdempotencyMiddleware_StoresAfterCallerLeaves(t *testing.T) {
	store := &memStore{data: map[string]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Write([]byte(`{"total":1}`))
	})
	h := IdempotencyMiddleware(store, time.Hour)(next)

	req := httptest.NewRequest(http.MethodPost, "/v1/staged/confirm", nil).WithContext(ctx)
	req.Header.Set("Idempotency-Key", "k2")
	h.ServeHTTP(httptest.NewRecorder(), req)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.data) != 1 {
		t.Fatalf("expected response cached after disconnect, got %v", store.data)
	}
}

func TestIdempotencyMiddleware_NilStorePassesThrough(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ })
	h := IdempotencyMiddleware(nil, time.Hour)(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Idempotency-Key", "k1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRequestID_Generated(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}
