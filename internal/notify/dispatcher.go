// Package notify turns membership notices into queued jobs and delivers them
// as in-app notifications and email.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const (
	// DefaultMaxAttempts is the delivery attempt budget when none is configured.
	DefaultMaxAttempts = 3
	enqueueTimeout     = 5 * time.Second
)

// Enqueuer persists a job for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// DispatchObserver is told the outcome of every dispatch ("enqueued" or "error").
type DispatchObserver func(kind models.NoticeKind, result string)

// Dispatcher hands notices to the job queue. Dispatch never fails the caller.
type Dispatcher struct {
	queue       Enqueuer
	logger      zerolog.Logger
	maxAttempts int
	observe     DispatchObserver
}

// NewDispatcher returns a Dispatcher enqueuing onto queue.
func NewDispatcher(queue Enqueuer, maxAttempts int, logger zerolog.Logger, observe DispatchObserver) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if observe == nil {
		observe = func(models.NoticeKind, string) {}
	}
	return &Dispatcher{
		queue:       queue,
		logger:      logger.With().Str("component", "notify").Logger(),
		maxAttempts: maxAttempts,
		observe:     observe,
	}
}

// Dispatch enqueues exactly one membership.notice job for n. The enqueue runs
// on a context detached from the caller so a finished request does not drop
// the notice. Failures are logged and observed.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notice) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	log := d.logger.With().Str("kind", string(n.Kind)).Int64("user_id", n.UserID).Logger()

	payload, err := models.ToJSONB(n)
	if err != nil {
		log.Error().Err(err).Msg("encode notice")
		d.observe(n.Kind, "error")
		return
	}

	priority := models.JobPriorityNormal
	if n.Kind == models.NoticePaymentFailed {
		priority = models.JobPriorityHigh
	}

	job := &models.Job{
		JobType:     models.JobTypeMembershipNotice,
		Priority:    priority,
		Payload:     payload,
		MaxAttempts: d.maxAttempts,
		Metadata:    models.JSONB{"dispatch_id": uuid.NewString()},
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Msg("enqueue notice")
		d.observe(n.Kind, "error")
		return
	}

	log.Debug().Int64("job_id", job.ID).Msg("notice enqueued")
	d.observe(n.Kind, "enqueued")
}
