package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on.
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111" validate:"required"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty" validate:"required"`

	StripeSecretKey            string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret        string `env:"STRIPE_WEBHOOK_SECRET,required,notEmpty" validate:"required"`
	StripeAPIURL               string `env:"STRIPE_API_URL" validate:"omitempty,url"`
	StripePriceMonthly         string `env:"STRIPE_PRICE_MONTHLY"`
	StripePriceSixMonth        string `env:"STRIPE_PRICE_6_MONTH"`
	StripePriceTwelveMonth     string `env:"STRIPE_PRICE_12_MONTH"`
	StripePriceTwelveMonthFull string `env:"STRIPE_PRICE_12_MONTH_UPFRONT"`

	// AppBaseURL is where checkout redirects land when the client supplies none.
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:5173" validate:"required,url"`

	AuthMode      string `env:"AUTH_MODE" envDefault:"clerk" validate:"oneof=clerk noop"`
	ClerkJWKSURL  string `env:"CLERK_JWKS_URL" validate:"required_if=AuthMode clerk,omitempty,url"`
	ClerkIssuer   string `env:"CLERK_ISSUER"`
	ClerkAudience string `env:"CLERK_AUDIENCE"`

	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailSender          string `env:"EMAIL_SENDER" envDefault:"no-reply@gymhub.local" validate:"required,email"`
	EmailSupport         string `env:"EMAIL_SUPPORT" envDefault:"support@gymhub.local" validate:"required,email"`

	RedisURL          string        `env:"REDIS_URL"`
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30" validate:"gt=0"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gt=0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"2" validate:"gt=0,lte=64"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`
	NoticeMaxAttempts  int           `env:"NOTICE_MAX_ATTEMPTS" envDefault:"3" validate:"gt=0,lte=20"`
}

const (
	envServerAddress = "BACKEND_ADDR"
	envDatabaseURL   = "DATABASE_URL"
	envWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envAuthMode      = "AUTH_MODE"
	envClerkJWKSURL  = "CLERK_JWKS_URL"

	defaultServerAddress = ":18111"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("config: invalid")

// Load reads configuration from environment variables, applies defaults, and
// validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// PlanPrices maps each plan to its configured Stripe price id.
func (c Config) PlanPrices() map[models.PlanType]string {
	return map[models.PlanType]string{
		models.PlanMonthly:            c.StripePriceMonthly,
		models.PlanSixMonth:           c.StripePriceSixMonth,
		models.PlanTwelveMonth:        c.StripePriceTwelveMonth,
		models.PlanTwelveMonthUpfront: c.StripePriceTwelveMonthFull,
	}
}
