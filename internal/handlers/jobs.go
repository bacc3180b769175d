package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/worker"
)

// JobStore defines the read side of the notification job queue.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
	ListFailedJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// JobRunner is the running worker; cancellation goes through it so its
// instrumentation sees the change.
type JobRunner interface {
	CancelJob(ctx context.Context, jobID int64) error
	GetStats() worker.Stats
}

func jobLimit(r *http.Request) int {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}
	return limit
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

func writeJobs(w http.ResponseWriter, jobs []*models.Job) {
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob retrieves a job by ID
func GetJob(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := jobStore.GetByID(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job
func CancelJob(runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := runner.CancelJob(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().
			Int64("job_id", id).
			Str("cancelled_by", auth.IdentityFromContext(r.Context()).ClerkID).
			Msg("job cancelled")
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"message": "Job cancelled successfully",
		})
	}
}

// GetJobStats returns queue counts alongside the in-process worker counters.
func GetJobStats(jobStore JobStore, runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobStore.GetStats(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		ws := runner.GetStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"queue": stats,
			"worker": map[string]any{
				"jobs_processed":    ws.JobsProcessed,
				"jobs_succeeded":    ws.JobsSucceeded,
				"jobs_failed":       ws.JobsFailed,
				"jobs_retried":      ws.JobsRetried,
				"active_workers":    ws.ActiveWorkers,
				"last_processed_at": ws.LastProcessedAt,
			},
		})
	}
}

// ListPendingJobs returns pending jobs
func ListPendingJobs(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := jobStore.ListPendingJobs(r.Context(), jobLimit(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJobs(w, jobs)
	}
}

// ListProcessingJobs returns currently processing jobs
func ListProcessingJobs(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := jobStore.ListProcessingJobs(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJobs(w, jobs)
	}
}

// ListFailedJobs returns jobs that exhausted their attempts.
func ListFailedJobs(jobStore JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := jobStore.ListFailedJobs(r.Context(), jobLimit(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJobs(w, jobs)
	}
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Store  JobStore
	Runner JobRunner
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(store JobStore, runner JobRunner) *JobHandler {
	return &JobHandler{
		Store:  store,
		Runner: runner,
	}
}

// RegisterRoutes registers job handlers on an admin router.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/jobs/stats", GetJobStats(h.Store, h.Runner))
	router.Get("/jobs/pending", ListPendingJobs(h.Store))
	router.Get("/jobs/processing", ListProcessingJobs(h.Store))
	router.Get("/jobs/failed", ListFailedJobs(h.Store))
	router.Get("/jobs/{id}", GetJob(h.Store))
	router.Post("/jobs/{id}/cancel", CancelJob(h.Runner))
}
