package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/config"
	"github.com/PortNumber53/gymhub/backend/internal/handlers"
	"github.com/PortNumber53/gymhub/backend/internal/metrics"
	requesttracking "github.com/PortNumber53/gymhub/backend/internal/middleware"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/ratelimit"
)

// UserStore backs the user sync and admin listing routes.
type UserStore interface {
	handlers.UserLister
	handlers.UserSyncer
	auth.UserLookup
}

// JobWorker is the background notification worker.
type JobWorker interface {
	handlers.JobRunner
	Start(ctx context.Context)
	Stop(ctx context.Context) error
}

// Deps are the components the HTTP surface is wired to.
type Deps struct {
	DB            handlers.Pinger
	Users         UserStore
	Verifier      auth.Verifier
	Memberships   handlers.MembershipService
	Checkout      handlers.CheckoutCreator
	Catalog       *plans.Catalog
	Webhooks      handlers.WebhookVerifier
	Processor     handlers.EventProcessor
	Payments      handlers.PaymentLister
	WebhookEvents handlers.WebhookEventLister
	Notifications handlers.NotificationStore
	Jobs          handlers.JobStore
	Worker        JobWorker
	// Limiter throttles member mutations. Nil disables limiting.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     JobWorker
	logger     zerolog.Logger
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(hlog.NewHandler(logger))
	router.Use(requesttracking.NewRequestTracker(observer(deps.Metrics), logger).Middleware())
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.DB))
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Get("/api/plans", handlers.Plans(deps.Catalog))
	router.Post("/api/webhooks/stripe", handlers.StripeWebhook(deps.Webhooks, deps.Processor))

	membershipHandler := handlers.NewMembershipHandler(deps.Memberships, deps.Checkout, deps.Catalog, cfg.AppBaseURL)

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.Verifier, logger))
		r.Use(auth.ResolveIdentity(deps.Users, logger))

		r.Get("/api/membership", membershipHandler.Current)
		r.Get("/api/membership/history", membershipHandler.History)
		r.Get("/api/billing/payments", handlers.Payments(deps.Payments))
		r.Get("/api/notifications", handlers.Notifications(deps.Notifications))

		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(ratelimit.Middleware(deps.Limiter, ratelimit.IdentityKey, logger))
			}
			r.Post("/api/me/sync", handlers.SyncUser(deps.Users))
			r.Post("/api/membership/checkout", membershipHandler.Checkout)
			r.Post("/api/membership/cancel", membershipHandler.Cancel)
			r.Post("/api/notifications/{id}/read", handlers.MarkNotificationRead(deps.Notifications))
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(handlers.RequireAdmin)
			r.Get("/users", handlers.Users(deps.Users))
			r.Post("/memberships", membershipHandler.Grant)
			r.Get("/memberships/{userID}", membershipHandler.ForUser)
			r.Get("/webhook-events", handlers.WebhookEvents(deps.WebhookEvents))
			if deps.Jobs != nil && deps.Worker != nil {
				handlers.NewJobHandler(deps.Jobs, deps.Worker).RegisterRoutes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: logger.With().Str("component", "server").Logger()}
}

func observer(m *metrics.Metrics) requesttracking.RequestObserver {
	if m == nil {
		return nil
	}
	return m
}

// Start starts the worker and serves HTTP traffic until Shutdown is called.
// A clean shutdown returns nil. The worker only stops through Shutdown so
// in-flight jobs are released rather than failed.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("starting job worker")
		s.worker.Start(context.WithoutCancel(ctx))
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones, then stops the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		s.logger.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Error().Err(werr).Msg("worker shutdown error")
			err = errors.Join(err, werr)
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
