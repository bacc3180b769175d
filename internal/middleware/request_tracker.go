// Package middleware holds HTTP middleware shared by every route.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestObserver receives one sample per completed request.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// RequestTracker records request metrics and writes an access log line.
type RequestTracker struct {
	observer RequestObserver
	logger   zerolog.Logger
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(observer RequestObserver, logger zerolog.Logger) *RequestTracker {
	return &RequestTracker{observer: observer, logger: logger.With().Str("component", "http").Logger()}
}

// Middleware returns an HTTP middleware that tracks request metrics
func (rt *RequestTracker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Capture status code and response size
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			if rt.observer != nil {
				rt.observer.ObserveRequest(r.Method, route, rw.statusCode, elapsed)
			}

			ev := rt.logger.Info()
			if rw.statusCode >= http.StatusInternalServerError {
				ev = rt.logger.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", rw.statusCode).
				Int("bytes", rw.size).
				Dur("duration", elapsed).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// routePattern uses the matched chi pattern so path parameters do not explode
// metric cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
