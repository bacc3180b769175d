// Package auth verifies bearer tokens and resolves them to an explicit caller
// identity.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Mode represents the authentication strategy to apply for incoming requests.
type Mode string

const (
	// ModeClerk enables Clerk JWT verification using a JWKS endpoint.
	ModeClerk Mode = "clerk"
	// ModeNoop disables signature verification and treats the bearer token as the Clerk user id.
	ModeNoop Mode = "noop"
)

// Config captures the inputs required to initialize an authenticator.
type Config struct {
	Mode     Mode
	JWKSURL  string
	Audience string
	Issuer   string
}

// AuthenticatedUser is the verified subject of a bearer token.
type AuthenticatedUser struct {
	ClerkID   string
	SessionID string
	Email     string
	ExpiresAt int64
}

// Verifier verifies a bearer token and returns the associated user.
type Verifier interface {
	Verify(ctx context.Context, token string) (AuthenticatedUser, error)
}

var (
	errMissingAuthHeader = errors.New("authorization header missing")
	errInvalidAuthHeader = errors.New("authorization header is malformed")
)

type ctxKey string

const (
	userCtxKey     ctxKey = "gymhub:user"
	identityCtxKey ctxKey = "gymhub:identity"
)

// Middleware rejects requests without a valid bearer token and stores the
// AuthenticatedUser in the request context.
func Middleware(verifier Verifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "auth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := tokenFromRequest(r)
			if err != nil {
				writeUnauthenticated(w, r, err.Error())
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
				writeUnauthenticated(w, r, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func tokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingAuthHeader
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errInvalidAuthHeader
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errInvalidAuthHeader
	}

	return token, nil
}

// WithUser stores a verified user on the context.
func WithUser(ctx context.Context, user AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (AuthenticatedUser, bool) {
	value, ok := ctx.Value(userCtxKey).(AuthenticatedUser)
	return value, ok
}

// NewVerifier constructs a Verifier matching the supplied configuration.
func NewVerifier(cfg Config, logger zerolog.Logger) (Verifier, error) {
	switch cfg.Mode {
	case ModeClerk:
		v, err := newClerkVerifier(cfg, logger)
		if err != nil {
			return nil, err
		}
		return v, nil
	case ModeNoop:
		return noopVerifier{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request, msg string) {
	writeAuthError(w, r, http.StatusUnauthorized, "not_authenticated", msg)
}

func writeAuthError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":       code,
		"message":    msg,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
