package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// ErrMembershipNotFound is returned when no membership matches the lookup key.
var ErrMembershipNotFound = errors.New("store: membership not found")

const membershipColumns = `id, user_id, clerk_id, membership_type, status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, ended_at, created_at, updated_at`

// UpsertActiveMembership creates the user's open membership or overwrites the
// existing one. A replay for the same subscription never moves the period end
// backwards. Id, period and timestamps are written back into m.
func (s *Store) UpsertActiveMembership(ctx context.Context, m *models.Membership) error {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO memberships (
	user_id, clerk_id, membership_type, status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	current_period_start, current_period_end, cancel_at_period_end
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (user_id) WHERE status <> 'cancelled' DO UPDATE SET
	clerk_id = EXCLUDED.clerk_id,
	membership_type = EXCLUDED.membership_type,
	status = EXCLUDED.status,
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	stripe_subscription_id = EXCLUDED.stripe_subscription_id,
	stripe_price_id = EXCLUDED.stripe_price_id,
	current_period_start = EXCLUDED.current_period_start,
	current_period_end = CASE
		WHEN memberships.stripe_subscription_id IS NOT DISTINCT FROM EXCLUDED.stripe_subscription_id
		THEN GREATEST(memberships.current_period_end, EXCLUDED.current_period_end)
		ELSE EXCLUDED.current_period_end
	END,
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	canceled_at = NULL,
	updated_at = now()
RETURNING id, current_period_end, created_at, updated_at`,
		m.UserID,
		m.ClerkID,
		m.MembershipType,
		m.Status,
		m.StripeCustomerID,
		nullString(m.StripeSubscriptionID),
		m.StripePriceID,
		m.CurrentPeriodStart,
		m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd,
	).Scan(&m.ID, &m.CurrentPeriodEnd, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert membership: %w", err)
	}
	m.CanceledAt = nil
	return nil
}

// UpdateMembership persists m by id. The period end is only ever extended; the
// stored window is written back into m.
func (s *Store) UpdateMembership(ctx context.Context, m *models.Membership) error {
	err := s.db.QueryRowContext(ctx, `
UPDATE memberships SET
	membership_type = $2,
	status = $3,
	stripe_customer_id = $4,
	stripe_subscription_id = $5,
	stripe_price_id = $6,
	current_period_start = CASE WHEN $8 > current_period_end THEN $7 ELSE current_period_start END,
	current_period_end = GREATEST(current_period_end, $8),
	cancel_at_period_end = $9,
	canceled_at = $10,
	ended_at = $11,
	updated_at = now()
WHERE id = $1
RETURNING current_period_start, current_period_end, updated_at`,
		m.ID,
		m.MembershipType,
		m.Status,
		m.StripeCustomerID,
		nullString(m.StripeSubscriptionID),
		m.StripePriceID,
		m.CurrentPeriodStart,
		m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd,
		m.CanceledAt,
		m.EndedAt,
	).Scan(&m.CurrentPeriodStart, &m.CurrentPeriodEnd, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMembershipNotFound
	}
	if err != nil {
		return fmt.Errorf("store: update membership: %w", err)
	}
	return nil
}

// GetActiveMembership returns the user's non-cancelled membership.
func (s *Store) GetActiveMembership(ctx context.Context, userID int64) (*models.Membership, error) {
	return s.getMembership(ctx, `WHERE user_id = $1 AND status <> 'cancelled'`, userID)
}

// GetMembershipBySubscriptionID returns the membership billed by subID.
func (s *Store) GetMembershipBySubscriptionID(ctx context.Context, subID string) (*models.Membership, error) {
	if subID == "" {
		return nil, ErrMembershipNotFound
	}
	return s.getMembership(ctx, `WHERE stripe_subscription_id = $1`, subID)
}

// GetMembershipByID returns a membership by its primary key.
func (s *Store) GetMembershipByID(ctx context.Context, id int64) (*models.Membership, error) {
	return s.getMembership(ctx, `WHERE id = $1`, id)
}

func (s *Store) getMembership(ctx context.Context, where string, arg any) (*models.Membership, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships `+where+` ORDER BY id DESC LIMIT 1`, arg)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns every membership the user has held, newest first.
func (s *Store) ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+membershipColumns+`
FROM memberships
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, defaultPageSize)
	if err != nil {
		return nil, fmt.Errorf("store: list memberships: %w", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate memberships: %w", err)
	}
	return out, nil
}

func scanMembership(row rowScanner) (*models.Membership, error) {
	var (
		m          models.Membership
		subID      sql.NullString
		canceledAt sql.NullTime
		endedAt    sql.NullTime
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.ClerkID,
		&m.MembershipType,
		&m.Status,
		&m.StripeCustomerID,
		&subID,
		&m.StripePriceID,
		&m.CurrentPeriodStart,
		&m.CurrentPeriodEnd,
		&m.CancelAtPeriodEnd,
		&canceledAt,
		&endedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.StripeSubscriptionID = subID.String
	m.CanceledAt = nullTimePtr(canceledAt)
	m.EndedAt = nullTimePtr(endedAt)
	return &m, nil
}
