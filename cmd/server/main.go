package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/billing"
	"github.com/PortNumber53/gymhub/backend/internal/config"
	"github.com/PortNumber53/gymhub/backend/internal/database"
	"github.com/PortNumber53/gymhub/backend/internal/email"
	"github.com/PortNumber53/gymhub/backend/internal/httpserver"
	"github.com/PortNumber53/gymhub/backend/internal/logging"
	"github.com/PortNumber53/gymhub/backend/internal/membership"
	"github.com/PortNumber53/gymhub/backend/internal/metrics"
	"github.com/PortNumber53/gymhub/backend/internal/notify"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/ratelimit"
	"github.com/PortNumber53/gymhub/backend/internal/store"
	"github.com/PortNumber53/gymhub/backend/internal/stripe"
	"github.com/PortNumber53/gymhub/backend/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	db, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, logger); err != nil {
		return err
	}

	st, err := store.New(db)
	if err != nil {
		return err
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		return err
	}

	m := metrics.New()
	catalog := plans.NewCatalog(cfg.PlanPrices())

	var stripeOpts []stripe.Option
	if cfg.StripeAPIURL != "" {
		stripeOpts = append(stripeOpts, stripe.WithBackendURL(cfg.StripeAPIURL))
	}
	stripeClient := stripe.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger, stripeOpts...)

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}
	renderer, err := email.NewRenderer()
	if err != nil {
		return err
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	workerCfg.PollInterval = cfg.WorkerPollInterval
	jobWorker := worker.New(workerCfg, jobStore, logger)
	jobWorker.SetInstrumentation(m.WorkerInstrumentation())

	dispatcher := notify.NewDispatcher(jobWorker, cfg.NoticeMaxAttempts, logger, m.ObserveDispatch)
	notify.NewDeliverer(st, sender, renderer, catalog, cfg.EmailSupport, logger).Register(jobWorker)

	memberships := membership.NewService(st, catalog, stripeClient, dispatcher, logger,
		membership.WithTransitionObserver(m.ObserveTransition),
		membership.WithExpiryScheduler(membership.NewExpiryQueue(jobWorker)))
	memberships.RegisterExpiry(jobWorker)

	processor := billing.NewProcessor(st, st, memberships, stripeClient, logger,
		billing.WithOutcomeObserver(func(eventType string, outcome billing.Outcome) {
			m.ObserveWebhook(eventType, string(outcome))
		}))

	verifier, err := auth.NewVerifier(auth.Config{
		Mode:     auth.Mode(cfg.AuthMode),
		JWKSURL:  cfg.ClerkJWKSURL,
		Issuer:   cfg.ClerkIssuer,
		Audience: cfg.ClerkAudience,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := verifier.(interface{ Close() }); ok {
		defer closer.Close()
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:            st,
		Users:         st,
		Verifier:      verifier,
		Memberships:   memberships,
		Checkout:      stripeClient,
		Catalog:       catalog,
		Webhooks:      stripeClient,
		Processor:     processor,
		Payments:      st,
		WebhookEvents: st,
		Notifications: st,
		Jobs:          jobStore,
		Worker:        jobWorker,
		Limiter:       limiter,
		Metrics:       m,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSender(cfg config.Config, logger zerolog.Logger) (email.Sender, error) {
	if cfg.PostmarkServerToken == "" {
		logger.Warn().Msg("POSTMARK_SERVER_TOKEN not set; emails are logged, not sent")
		return email.NewLogSender(logger), nil
	}
	return email.NewPostmarkSender(email.PostmarkConfig{
		ServerToken:  cfg.PostmarkServerToken,
		AccountToken: cfg.PostmarkAccountToken,
		From:         cfg.EmailSender,
		ReplyTo:      cfg.EmailSupport,
	})
}

// newLimiter uses Redis when REDIS_URL is set so limits hold across replicas.
func newLimiter(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*ratelimit.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		mem := ratelimit.NewMemoryStore(cfg.RateLimitWindow)
		limiter, err := ratelimit.New(mem, cfg.RateLimitRequests, cfg.RateLimitWindow)
		return limiter, mem.Close, err
	}

	client, err := ratelimit.Connect(ctx, cfg.RedisURL, 5, time.Second)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRedisNotReady) {
			logger.Error().Err(err).Msg("redis unavailable for rate limiting")
		}
		return nil, func() {}, err
	}
	limiter, err := ratelimit.New(ratelimit.NewRedisStore(client), cfg.RateLimitRequests, cfg.RateLimitWindow)
	return limiter, func() { _ = client.Close() }, err
}
