package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// IdentityKey keys by the resolved caller, falling back to the client IP.
func IdentityKey(r *http.Request) string {
	if id := auth.IdentityFromContext(r.Context()); id.ClerkID != "" {
		return "user:" + id.ClerkID
	}
	return ClientIPKey(r)
}

// ClientIPKey keys by remote address. Run after chi's RealIP middleware.
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return ""
	}
	return "ip:" + host
}

// Middleware enforces the limiter. Store errors fail open.
func Middleware(limiter *Limiter, keyFunc KeyFunc, logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "ratelimit").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				log.Warn().Err(err).Msg("rate limit check failed, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(result.RetryAfter().Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":       "rate_limited",
					"message":    "too many requests",
					"request_id": middleware.GetReqID(r.Context()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
