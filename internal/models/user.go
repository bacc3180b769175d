package models

import "time"

// Role is the authorization role of a user or caller.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	// RoleSystem is used by internal consumers such as the webhook processor.
	RoleSystem Role = "system"
)

// User is a local account linked to an identity provider (Clerk) subject.
type User struct {
	ID        int64     `json:"id"`
	ClerkID   string    `json:"clerk_id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the explicit caller identity passed to every mutation.
// The zero value is an unauthenticated caller.
type Identity struct {
	UserID  int64
	ClerkID string
	Email   string
	Role    Role
}

// SystemIdentity returns the identity used by internal consumers acting on
// behalf of the given user.
func SystemIdentity(userID int64, clerkID string) Identity {
	return Identity{UserID: userID, ClerkID: clerkID, Role: RoleSystem}
}

// Authenticated reports whether the identity carries an identity provider subject
// or is the system identity.
func (i Identity) Authenticated() bool {
	return i.ClerkID != "" || i.Role == RoleSystem
}

// IsAdmin reports whether the identity may act on any user's records.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RoleSystem
}

// CanActOn reports whether the identity owns or administers the target user.
func (i Identity) CanActOn(userID int64) bool {
	if i.IsAdmin() {
		return true
	}
	return i.UserID != 0 && i.UserID == userID
}

// SyncUserRequest is the payload used to create or refresh the local user
// record for the authenticated identity.
type SyncUserRequest struct {
	Email string  `json:"email" validate:"required,email"`
	Name  *string `json:"name,omitempty" validate:"omitempty,max=200"`
}
