package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const defaultPageSize = 200

// ErrUserNotFound is returned when no local user matches the lookup key.
var ErrUserNotFound = errors.New("store: user not found")

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, clerk_id, email, name, role, created_at, updated_at`

// UpsertUser creates or refreshes the local user linked to clerkID. The role of
// an existing user is never changed here; a nil name keeps the stored one.
func (s *Store) UpsertUser(ctx context.Context, clerkID, email string, name *string) (*models.User, error) {
	if strings.TrimSpace(clerkID) == "" {
		return nil, errors.New("store: clerk id is required")
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO users (clerk_id, email, name)
VALUES ($1, $2, $3)
ON CONFLICT (clerk_id) DO UPDATE SET
	email = EXCLUDED.email,
	name = COALESCE(EXCLUDED.name, users.name),
	updated_at = now()
RETURNING `+userColumns,
		clerkID, strings.TrimSpace(email), name,
	)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, `WHERE id = $1`, id)
}

// GetUserByClerkID retrieves the user linked to an identity provider subject.
func (s *Store) GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	return s.getUser(ctx, `WHERE clerk_id = $1`, clerkID)
}

// GetUserByEmail retrieves a user by their email address (case-insensitive).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, `WHERE LOWER(email) = LOWER($1)`, email)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where+` LIMIT 1`, arg)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return user, nil
}

// ListUsers returns up to `limit` users ordered by creation time descending.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+userColumns+`
FROM users
ORDER BY created_at DESC
LIMIT $1
`, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("store: query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan users: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}

	return users, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user models.User
		name sql.NullString
		role string
	)
	if err := row.Scan(&user.ID, &user.ClerkID, &user.Email, &name, &role, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	user.Name = nullStringPtr(name)
	user.Role = models.Role(role)
	return &user, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > defaultPageSize {
		return defaultPageSize
	}
	return limit
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
