package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/slotbridge/internal/bridge"
	"github.com/diagnosis/slotbridge/internal/client"
	"github.com/diagnosis/slotbridge/internal/http/handlers"
	"github.com/diagnosis/slotbridge/internal/http/middleware"
	"github.com/diagnosis/slotbridge/internal/platform/clock"
	"github.com/diagnosis/slotbridge/internal/resolver"
	"github.com/diagnosis/slotbridge/internal/service"
	"github.com/diagnosis/slotbridge/internal/session"
	"github.com/diagnosis/slotbridge/pkg/cache"
	"github.com/diagnosis/slotbridge/pkg/config"
	"github.com/diagnosis/slotbridge/pkg/events"
	"github.com/diagnosis/slotbridge/pkg/logger"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Could not read .env file", "error", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional infrastructure
	rdb := cache.Connect(ctx, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}
	eventBus := events.Connect(cfg.NATS.URL)
	defer eventBus.Close()

	clk := clock.NewSystem()
	shapes := resolver.NewShapeCache()

	registry := session.NewRegistry(
		func(cred *bridge.Credential) session.APIClient {
			res := resolver.New(cred.Client, cfg.Backend,
				resolver.WithUserAgent(cred.UserAgent),
				resolver.WithShapeCache(shapes))
			return client.New(res)
		},
		session.WithClock(clk),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithEvents(eventBus),
	)

	b, err := bridge.New(bridge.NewChromeLauncher(cfg.Login), cfg.Login, cfg.Backend, bridge.WithShapeCache(shapes))
	if err != nil {
		logger.Error("Invalid login configuration", "error", err)
		os.Exit(1)
	}
	logins := service.NewLoginService(b, registry, eventBus, cfg, clk)

	routerCfg := handlers.RouterConfig{
		Logins:         logins,
		Sessions:       registry,
		JWTSecret:      cfg.Auth.JWTSecret,
		CORSOrigins:    cfg.Server.CORSOrigins,
		IdempotencyTTL: cfg.Server.IdempotencyTTL,
	}
	if rdb != nil {
		routerCfg.LoginLimiter = middleware.NewRateLimiter(cache.NewStore(rdb, "slotbridge"), middleware.RateLimitConfig{
			Requests: cfg.RateLimit.LoginRequests,
			Window:   cfg.RateLimit.LoginWindow,
		})
		routerCfg.Idempotency = cache.NewStore(rdb, "slotbridge")
	} else {
		logger.Info("Redis not configured, login rate limiting and confirm idempotency disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting slotbridge", "port", cfg.Server.Port, "backend", cfg.Backend.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return registry.Run(gctx, cfg.Sessions.ReapInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down slotbridge...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logins.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("slotbridge error", "error", err)
		os.Exit(1)
	}
}
