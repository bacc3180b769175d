package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var errMissingSubject = errors.New("token missing subject claim")

// clerkVerifier validates Clerk-issued JWTs using JWKS.
type clerkVerifier struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
}

func newClerkVerifier(cfg Config, logger zerolog.Logger) (*clerkVerifier, error) {
	log := logger.With().Str("component", "auth").Logger()
	options := keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Warn().Err(err).Msg("jwks refresh failed")
		},
	}

	jwks, err := keyfunc.Get(cfg.JWKSURL, options)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}

	return &clerkVerifier{jwks: jwks, audience: cfg.Audience, issuer: cfg.Issuer}, nil
}

// Close stops the background JWKS refresh.
func (v *clerkVerifier) Close() {
	v.jwks.EndBackground()
}

func (v *clerkVerifier) Verify(_ context.Context, token string) (AuthenticatedUser, error) {
	options := []jwt.ParserOption{
		jwt.WithLeeway(5 * time.Second),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	t, err := jwt.Parse(token, v.jwks.Keyfunc, options...)
	if err != nil {
		return AuthenticatedUser{}, fmt.Errorf("token verification failed: %w", err)
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return AuthenticatedUser{}, errors.New("unexpected claims type")
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return AuthenticatedUser{}, errMissingSubject
	}

	user := AuthenticatedUser{ClerkID: subject}
	user.SessionID, _ = claims["sid"].(string)
	user.Email, _ = claims["email"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		user.ExpiresAt = int64(exp)
	}
	return user, nil
}
