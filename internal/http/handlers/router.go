package handlers

import (
	"net/http"
	"time"

	"github.com/diagnosis/slotbridge/internal/http/middleware"
	"github.com/diagnosis/slotbridge/internal/service"
	mw "github.com/diagnosis/slotbridge/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

type RouterConfig struct {
	Logins      service.LoginService
	Sessions    Sessions
	JWTSecret   string
	CORSOrigins []string

	// Optional; nil disables.
	LoginLimiter   *middleware.RateLimiter
	Idempotency    mw.IdempotencyStore
	IdempotencyTTL time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	authH := NewAuthHandler(cfg.Logins, cfg.Sessions)
	resH := NewReservationsHandler(cfg.Sessions)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("slotbridge"))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Location", "Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	requireSession := middleware.RequireSession(cfg.JWTSecret, cfg.Sessions)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(cfg.LoginLimiter.Middleware()).Post("/login", authH.BeginLogin)
			r.Get("/login/{id}", authH.LoginStatus)
			r.Delete("/login/{id}", authH.CancelLogin)
			r.With(requireSession).Post("/logout", authH.Logout)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Get("/memberships", resH.ListMemberships)
			r.Get("/memberships/{id}/slots", resH.ListSlots)

			r.Route("/staged", func(r chi.Router) {
				r.Get("/", resH.ListStaged)
				r.Post("/", resH.Stage)
				r.Delete("/", resH.Clear)
				r.Delete("/{index}", resH.Unstage)
				r.With(mw.IdempotencyMiddleware(cfg.Idempotency, cfg.IdempotencyTTL)).Post("/confirm", resH.Confirm)
			})
		})
	})
	return r
}
