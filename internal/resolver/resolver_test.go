package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/slotbridge/internal/domain"
	"github.com/diagnosis/slotbridge/pkg/config"
)

type hitLog struct {
	mu   sync.Mutex
	hits []string
}

func (h *hitLog) add(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits = append(h.hits, p)
}

func (h *hitLog) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hits...)
}

func newBackend(t *testing.T, log *hitLog) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/c1", func(w http.ResponseWriter, r *http.Request) {
		log.add("c1")
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/c2", func(w http.ResponseWriter, r *http.Request) {
		log.add("c2")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>login</html>"))
	})
	mux.HandleFunc("/c3", func(w http.ResponseWriter, r *http.Request) {
		log.add("c3")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/c4", func(w http.ResponseWriter, r *http.Request) {
		log.add("c4")
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL, dir string) config.BackendConfig {
	return config.BackendConfig{
		BaseURL:        baseURL,
		Authenticator:  "compensar",
		RequestTimeout: 2 * time.Second,
		DiagnosticsDir: dir,
	}
}

func orderedCandidates() []Candidate {
	return []Candidate{
		{Name: "c1", Method: http.MethodGet, Path: "/c1"},
		{Name: "c2", Method: http.MethodGet, Path: "/c2"},
		{Name: "c3", Method: http.MethodGet, Path: "/c3"},
		{Name: "c4", Method: http.MethodGet, Path: "/c4"},
	}
}

func TestResolve_StopsAtFirstStructurallyValidSuccess(t *testing.T) {
	log := &hitLog{}
	srv := newBackend(t, log)

	r := New(srv.Client(), testConfig(srv.URL, t.TempDir()),
		WithCandidates(OpListMemberships, orderedCandidates()...))

	resp, err := r.Resolve(context.Background(), OpListMemberships, Request{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resp.Candidate != "c3" || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("unexpected response %+v", resp)
	}

	got := log.list()
	want := []string{"c1", "c2", "c3"}
	if len(got) != len(want) {
		t.Fatalf("hits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hits = %v, want %v", got, want)
		}
	}
}

func TestResolve_CachedWinnerTriedFirst(t *testing.T) {
	log := &hitLog{}
	srv := newBackend(t, log)
	cache := NewShapeCache()
	cfg := testConfig(srv.URL, t.TempDir())

	first := New(srv.Client(), cfg, WithShapeCache(cache), WithCandidates(OpListSlots, orderedCandidates()...))
	if _, err := first.Resolve(context.Background(), OpListSlots, Request{}); err != nil {
		t.Fatal(err)
	}

	// a second resolver sharing the cache goes straight to the winner
	second := New(srv.Client(), cfg, WithShapeCache(cache), WithCandidates(OpListSlots, orderedCandidates()...))
	if _, err := second.Resolve(context.Background(), OpListSlots, Request{}); err != nil {
		t.Fatal(err)
	}

	hits := log.list()
	if len(hits) != 4 || hits[3] != "c3" {
		t.Fatalf("expected cached winner to be the only extra hit, got %v", hits)
	}
}

func TestResolve_ExhaustionWritesDiagnostic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html>denied " + r.URL.Path + "</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := New(srv.Client(), testConfig(srv.URL, dir), WithCandidates(OpSubmitBooking,
		Candidate{Name: "a", Method: http.MethodPost, Path: "/a", Encoding: EncodeJSON},
		Candidate{Name: "b", Method: http.MethodPost, Path: "/b", Encoding: EncodeForm},
	))

	_, err := r.Resolve(context.Background(), OpSubmitBooking, Request{})
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
	var rerr *ResolutionError
	if !errors.As(err, &rerr) || rerr.LastStatus != http.StatusForbidden || rerr.Operation != OpSubmitBooking || rerr.Tried != 2 {
		t.Fatalf("unexpected error %#v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "submit-booking-last-response.html"))
	if err != nil {
		t.Fatalf("diagnostic not written: %v", err)
	}
	if string(raw) != "<html>denied /b</html>" {
		t.Fatalf("unexpected diagnostic body %q", raw)
	}
}

func TestResolve_RequestShape(t *testing.T) {
	type seen struct {
		method, path, query, contentType, body, xrw, ua string
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), string(b), r.Header.Get("X-Requested-With"), r.Header.Get("User-Agent")}
		w.Write([]byte(`{"tiqueteras":[]}`))
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		cand      Candidate
		wantPath  string
		wantQuery string
		wantBody  string
		wantType  string
	}{
		{
			name:      "form post",
			cand:      DefaultCandidates()[OpListMemberships][0],
			wantPath:  "/sistema.php/entrenamiento/reserva/tiqueteras",
			wantQuery: "autenticador=compensar",
			wantBody:  "id_participacion=901",
			wantType:  "application/x-www-form-urlencoded",
		},
		{
			name:      "participant in path",
			cand:      DefaultCandidates()[OpListMemberships][1],
			wantPath:  "/sistema.php/entrenamiento/reserva/tiqueteras/901",
			wantQuery: "autenticador=compensar",
		},
		{
			name:      "query params",
			cand:      DefaultCandidates()[OpListMemberships][2],
			wantPath:  "/sistema.php/entrenamiento/reserva/tiqueteras",
			wantQuery: "autenticador=compensar&id_participacion=901",
		},
		{
			name:      "json post",
			cand:      DefaultCandidates()[OpListMemberships][3],
			wantPath:  "/sistema.php/entrenamiento/reserva/tiqueteras",
			wantQuery: "autenticador=compensar",
			wantBody:  `{"id_participacion":"901"}`,
			wantType:  "application/json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(srv.Client(), testConfig(srv.URL, t.TempDir()),
				WithUserAgent("Mozilla/5.0 test"),
				WithCandidates(OpListMemberships, tt.cand))

			if _, err := r.Resolve(context.Background(), OpListMemberships, Request{Participant: "901"}); err != nil {
				t.Fatal(err)
			}
			if got.path != tt.wantPath || got.query != tt.wantQuery || got.body != tt.wantBody || got.contentType != tt.wantType {
				t.Fatalf("unexpected request %+v", got)
			}
			if got.xrw != "XMLHttpRequest" || got.ua != "Mozilla/5.0 test" {
				t.Fatalf("missing XHR headers %+v", got)
			}
		})
	}
}

func TestResolve_SkipsParticipantPathWithoutParticipant(t *testing.T) {
	log := &hitLog{}
	srv := newBackend(t, log)

	r := New(srv.Client(), testConfig(srv.URL, t.TempDir()), WithCandidates(OpListMemberships,
		Candidate{Name: "needs-id", Method: http.MethodGet, Path: "/c4/{participant}"},
		Candidate{Name: "c3", Method: http.MethodGet, Path: "/c3"},
	))

	resp, err := r.Resolve(context.Background(), OpListMemberships, Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Candidate != "c3" || len(log.list()) != 1 {
		t.Fatalf("expected only c3 to be called, hits=%v", log.list())
	}
}
