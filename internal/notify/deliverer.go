package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/email"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/store"
	"github.com/PortNumber53/gymhub/backend/internal/worker"
)

const periodLayout = "January 2, 2006"

// Store is the persistence the Deliverer needs.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CreateNotification(ctx context.Context, n *models.Notification) (bool, error)
}

// Deliverer is the worker handler for membership.notice jobs.
type Deliverer struct {
	store    Store
	sender   email.Sender
	renderer *email.Renderer
	catalog  *plans.Catalog
	support  string
	logger   zerolog.Logger
}

// NewDeliverer wires a Deliverer. support is the reply address shown in emails.
func NewDeliverer(st Store, sender email.Sender, renderer *email.Renderer, catalog *plans.Catalog, support string, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		store:    st,
		sender:   sender,
		renderer: renderer,
		catalog:  catalog,
		support:  support,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// Register binds the Deliverer to its job type on w.
func (d *Deliverer) Register(w *worker.Worker) {
	w.RegisterHandler(models.JobTypeMembershipNotice, d.Handle)
	d.logger.Info().Str("job_type", models.JobTypeMembershipNotice).Msg("registered notice handler")
}

// Handle writes the in-app notification and sends the email for one notice.
// The notification insert is keyed by job id, so a retried job writes it once.
// A send failure is returned for the worker to retry.
func (d *Deliverer) Handle(ctx context.Context, job *models.Job) error {
	var n models.Notice
	if err := job.Payload.Decode(&n); err != nil {
		return worker.Permanent(fmt.Errorf("decode notice: %w", err))
	}
	if n.UserID == 0 || n.Kind == "" {
		return worker.Permanent(fmt.Errorf("notice missing user or kind"))
	}

	user, err := d.store.GetUserByID(ctx, n.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return worker.Permanent(fmt.Errorf("notice for unknown user %d", n.UserID))
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	data := d.templateData(user, n)
	msg, err := d.renderer.Render(n.Kind, user.Email, data)
	if err != nil {
		return worker.Permanent(err)
	}

	jobID := job.ID
	created, err := d.store.CreateNotification(ctx, &models.Notification{
		UserID: user.ID,
		JobID:  &jobID,
		Kind:   n.Kind,
		Title:  msg.Subject,
		Body:   inAppBody(n.Kind, data),
	})
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	if err := d.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s email: %w", n.Kind, err)
	}

	d.logger.Info().
		Int64("job_id", job.ID).
		Int64("user_id", user.ID).
		Str("kind", string(n.Kind)).
		Bool("in_app_created", created).
		Msg("notice delivered")
	return nil
}

func (d *Deliverer) templateData(user *models.User, n models.Notice) email.TemplateData {
	data := email.TemplateData{Name: user.Email, Support: d.support}
	if user.Name != nil && *user.Name != "" {
		data.Name = *user.Name
	}
	if plan, ok := d.catalog.Lookup(n.PlanType); ok {
		data.PlanName = plan.Name
	}
	if n.PeriodEnd != nil {
		data.PeriodEnd = n.PeriodEnd.UTC().Format(periodLayout)
	}
	return data
}

func inAppBody(kind models.NoticeKind, data email.TemplateData) string {
	switch kind {
	case models.NoticeWelcome:
		return fmt.Sprintf("Your %s membership is active until %s.", data.PlanName, data.PeriodEnd)
	case models.NoticeRenewed:
		return fmt.Sprintf("Your membership now runs until %s.", data.PeriodEnd)
	case models.NoticeCancellationScheduled:
		return fmt.Sprintf("Your membership will end on %s.", data.PeriodEnd)
	case models.NoticeMembershipEnded:
		return "Your membership has ended."
	case models.NoticePaymentFailed:
		return "We could not collect your latest payment. Please update your card."
	}
	return ""
}
