package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/models"
)

type mockUserClient struct {
	lastLimit int
	users     []models.User
	err       error

	syncedClerkID string
	syncedEmail   string
}

func (m *mockUserClient) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	m.lastLimit = limit
	return m.users, m.err
}

func (m *mockUserClient) UpsertUser(ctx context.Context, clerkID, email string, name *string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.syncedClerkID = clerkID
	m.syncedEmail = email
	return &models.User{ID: 11, ClerkID: clerkID, Email: email, Name: name, Role: models.RoleMember}, nil
}

func TestUsersHandler(t *testing.T) {
	client := &mockUserClient{
		users: []models.User{{ID: 1, ClerkID: "user_1"}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users?limit=5", nil)
	rr := httptest.NewRecorder()

	handler := Users(client)
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	if client.lastLimit != 5 {
		t.Fatalf("expected limit 5 got %d", client.lastLimit)
	}
}

func TestUsersHandlerDefaultsLimitAndReportsErrors(t *testing.T) {
	client := &mockUserClient{err: errors.New("db down")}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users?limit=abc", nil)
	rr := httptest.NewRecorder()
	Users(client).ServeHTTP(rr, req)

	if client.lastLimit != defaultUserPageSize {
		t.Fatalf("expected default limit got %d", client.lastLimit)
	}
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != CodeInternal {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func withAuthUser(r *http.Request, clerkID string) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), auth.AuthenticatedUser{ClerkID: clerkID}))
}

func TestSyncUser(t *testing.T) {
	client := &mockUserClient{}

	req := httptest.NewRequest(http.MethodPost, "/api/me/sync", strings.NewReader(`{"email":"sam@gym.test","name":"Sam"}`))
	req = withAuthUser(req, "user_sam")
	rr := httptest.NewRecorder()
	SyncUser(client).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rr.Code, rr.Body.String())
	}
	if client.syncedClerkID != "user_sam" || client.syncedEmail != "sam@gym.test" {
		t.Fatalf("unexpected upsert: %q %q", client.syncedClerkID, client.syncedEmail)
	}
}

func TestSyncUserValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		authed bool
		status int
	}{
		{"unauthenticated", `{"email":"a@b.test"}`, false, http.StatusUnauthorized},
		{"missing email", `{}`, true, http.StatusBadRequest},
		{"bad email", `{"email":"nope"}`, true, http.StatusBadRequest},
		{"unknown field", `{"email":"a@b.test","role":"admin"}`, true, http.StatusBadRequest},
		{"empty body", ``, true, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/me/sync", strings.NewReader(tc.body))
			if tc.authed {
				req = withAuthUser(req, "user_x")
			}
			rr := httptest.NewRecorder()
			SyncUser(&mockUserClient{}).ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d got %d", tc.status, rr.Code)
			}
		})
	}
}
