package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with status 200 when the service and its database are
// reachable, 503 otherwise.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("health check: database unreachable")
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			} else {
				payload["database"] = "ok"
			}
		}

		writeJSON(w, status, payload)
	}
}
