package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// ErrEventNotFound is returned when no ledger row exists for an event id.
var ErrEventNotFound = errors.New("store: webhook event not found")

const eventColumns = `id, event_id, event_type, processed, error, attempts, created_at, processed_at, updated_at`

// GetEvent returns the ledger row for eventID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get webhook event: %w", err)
	}
	return evt, nil
}

// CreateEvent records the first sighting of eventID. The insert is guarded by
// the unique constraint on event_id, so of any number of concurrent callers
// exactly one observes created=true. Later callers get the existing id.
func (s *Store) CreateEvent(ctx context.Context, eventID, eventType string, processed bool) (int64, bool, error) {
	if eventID == "" {
		return 0, false, errors.New("store: event id is required")
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_events (event_id, event_type, processed, processed_at)
VALUES ($1, $2, $3, CASE WHEN $3 THEN now() END)
ON CONFLICT (event_id) DO NOTHING
RETURNING id`, eventID, eventType, processed).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("store: create webhook event: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT id FROM webhook_events WHERE event_id = $1`, eventID).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("store: load existing webhook event: %w", err)
	}
	return id, false, nil
}

// MarkProcessed sets the processed flag for eventID, creating the row when it
// is missing. Any previous error is cleared.
func (s *Store) MarkProcessed(ctx context.Context, eventID, eventType string, processed bool) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_events (event_id, event_type, processed, processed_at)
VALUES ($1, $2, $3, CASE WHEN $3 THEN now() END)
ON CONFLICT (event_id) DO UPDATE SET
	processed = EXCLUDED.processed,
	processed_at = EXCLUDED.processed_at,
	error = NULL,
	updated_at = now()
RETURNING id`, eventID, eventType, processed).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: mark webhook event processed: %w", err)
	}
	return id, nil
}

// MarkFailed records a processing failure for eventID, creating the row when
// it is missing.
func (s *Store) MarkFailed(ctx context.Context, eventID, eventType, errMsg string) (int64, error) {
	if errMsg == "" {
		errMsg = "unknown error"
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO webhook_events (event_id, event_type, processed, error)
VALUES ($1, $2, FALSE, $3)
ON CONFLICT (event_id) DO UPDATE SET
	processed = FALSE,
	processed_at = NULL,
	error = EXCLUDED.error,
	updated_at = now()
RETURNING id`, eventID, eventType, errMsg).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: mark webhook event failed: %w", err)
	}
	return id, nil
}

// ReclaimFailedEvent lets a redelivery retry an event that previously failed,
// or one left unfinished for longer than staleAfter. The update is conditional
// so only one concurrent redelivery reclaims it.
func (s *Store) ReclaimFailedEvent(ctx context.Context, eventID string, staleAfter time.Duration) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
UPDATE webhook_events
SET error = NULL,
	attempts = attempts + 1,
	updated_at = now()
WHERE event_id = $1
  AND processed = FALSE
  AND (error IS NOT NULL OR updated_at < now() - INTERVAL '1 second' * $2)
RETURNING id`, eventID, staleAfter.Seconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: reclaim webhook event: %w", err)
	}
	return true, nil
}

// ListWebhookEvents returns ledger rows newest first.
func (s *Store) ListWebhookEvents(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if filter.FailedOnly {
		query += ` WHERE processed = FALSE AND error IS NOT NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, pageSize(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("store: list webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan webhook event: %w", err)
		}
		events = append(events, *evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate webhook events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		evt         models.WebhookEvent
		errMsg      sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&evt.ID,
		&evt.EventID,
		&evt.EventType,
		&evt.Processed,
		&errMsg,
		&evt.Attempts,
		&evt.CreatedAt,
		&processedAt,
		&evt.UpdatedAt,
	); err != nil {
		return nil, err
	}
	evt.Error = nullStringPtr(errMsg)
	evt.ProcessedAt = nullTimePtr(processedAt)
	return &evt, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
