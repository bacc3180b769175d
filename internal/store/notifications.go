package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// ErrNotificationNotFound is returned when the notification does not exist or
// belongs to another user.
var ErrNotificationNotFound = errors.New("store: notification not found")

// CreateNotification inserts an in-app notification. When n.JobID is set and a
// row for that job already exists, nothing is written and created is false.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) (bool, error) {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO notifications (user_id, job_id, kind, title, body)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING
RETURNING id, created_at`,
		n.UserID, n.JobID, n.Kind, n.Title, n.Body,
	).Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: create notification: %w", err)
	}
	return true, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, job_id, kind, title, body, read_at, created_at
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n      models.Notification
			jobID  sql.NullInt64
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.UserID, &jobID, &n.Kind, &n.Title, &n.Body, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		if jobID.Valid {
			id := jobID.Int64
			n.JobID = &id
		}
		n.ReadAt = nullTimePtr(readAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead marks a notification owned by userID as read.
// Marking an already-read notification is a no-op.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE notifications
SET read_at = COALESCE(read_at, now())
WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("store: mark notification read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark notification read: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}
