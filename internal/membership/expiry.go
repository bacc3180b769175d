package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/worker"
)

const expiryMaxAttempts = 5

// Enqueuer persists a job for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

type expiryPayload struct {
	MembershipID int64 `json:"membership_id"`
}

// ExpiryQueue schedules membership.expire jobs on the job queue.
type ExpiryQueue struct {
	queue Enqueuer
}

// NewExpiryQueue returns an ExpiryScheduler backed by queue.
func NewExpiryQueue(queue Enqueuer) *ExpiryQueue {
	return &ExpiryQueue{queue: queue}
}

// ScheduleExpiry enqueues one membership.expire job due at at. Scheduling the
// same membership twice is harmless: Expire is a no-op once it has ended or
// while its period is still running.
func (q *ExpiryQueue) ScheduleExpiry(ctx context.Context, membershipID int64, at time.Time) error {
	payload, err := models.ToJSONB(expiryPayload{MembershipID: membershipID})
	if err != nil {
		return err
	}
	due := at.UTC()
	return q.queue.Enqueue(ctx, &models.Job{
		JobType:      models.JobTypeMembershipExpire,
		Priority:     models.JobPriorityNormal,
		Payload:      payload,
		MaxAttempts:  expiryMaxAttempts,
		ScheduledFor: &due,
		Metadata:     models.JSONB{"schedule_id": uuid.NewString()},
	})
}

// HandleExpireJob is the worker handler for membership.expire jobs.
func (s *Service) HandleExpireJob(ctx context.Context, job *models.Job) error {
	var p expiryPayload
	if err := job.Payload.Decode(&p); err != nil {
		return worker.Permanent(fmt.Errorf("decode expiry: %w", err))
	}
	if p.MembershipID <= 0 {
		return worker.Permanent(errors.New("expiry missing membership id"))
	}

	m, err := s.Expire(ctx, p.MembershipID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return worker.Permanent(err)
	}
	if err != nil {
		return err
	}
	s.logger.Debug().Int64("membership_id", m.ID).Str("status", string(m.Status)).Msg("expiry checked")
	return nil
}

// RegisterExpiry binds HandleExpireJob to its job type on w.
func (s *Service) RegisterExpiry(w *worker.Worker) {
	w.RegisterHandler(models.JobTypeMembershipExpire, s.HandleExpireJob)
}

var _ ExpiryScheduler = (*ExpiryQueue)(nil)
