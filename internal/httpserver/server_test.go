package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/gymhub/backend/internal/auth"
	"github.com/PortNumber53/gymhub/backend/internal/config"
	"github.com/PortNumber53/gymhub/backend/internal/metrics"
	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/plans"
	"github.com/PortNumber53/gymhub/backend/internal/ratelimit"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

type stubUserClient struct {
	users map[string]*models.User
}

func (s *stubUserClient) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	return []models.User{{ID: 1, ClerkID: "user_admin"}}, nil
}

func (s *stubUserClient) UpsertUser(ctx context.Context, clerkID, email string, name *string) (*models.User, error) {
	return &models.User{ID: 2, ClerkID: clerkID, Email: email, Role: models.RoleMember}, nil
}

func (s *stubUserClient) GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	if u, ok := s.users[clerkID]; ok {
		return u, nil
	}
	return nil, store.ErrUserNotFound
}

type stubNotifications struct{}

func (stubNotifications) ListNotifications(ctx context.Context, userID int64, limit int) ([]models.Notification, error) {
	return nil, nil
}

func (stubNotifications) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	return nil
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *Server {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.Config{Mode: auth.ModeNoop}, zerolog.Nop())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	users := &stubUserClient{users: map[string]*models.User{
		"user_admin":  {ID: 1, ClerkID: "user_admin", Role: models.RoleAdmin},
		"user_member": {ID: 2, ClerkID: "user_member", Role: models.RoleMember},
	}}

	cfg := config.Config{ServerAddress: ":0", AppBaseURL: "http://localhost:5173"}
	return New(cfg, Deps{
		Users:         users,
		Verifier:      verifier,
		Catalog:       plans.NewCatalog(nil),
		Notifications: stubNotifications{},
		Limiter:       limiter,
		Metrics:       metrics.New(),
	}, zerolog.Nop())
}

func serve(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(t, nil)

	rr := serve(server, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestPublicRoutes(t *testing.T) {
	server := newTestServer(t, nil)

	if rr := serve(server, http.MethodGet, "/api/plans", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("plans: expected 200 got %d", rr.Code)
	}

	rr := serve(server, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200 got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "gymhub_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, nil)

	for _, path := range []string{"/api/membership", "/api/notifications", "/api/admin/users"} {
		if rr := serve(server, http.MethodGet, path, "", ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", path, rr.Code)
		}
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	server := newTestServer(t, nil)

	if rr := serve(server, http.MethodGet, "/api/admin/users", "user_member", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("member: expected 403 got %d", rr.Code)
	}
	if rr := serve(server, http.MethodGet, "/api/admin/users", "user_admin", ""); rr.Code != http.StatusOK {
		t.Fatalf("admin: expected 200 got %d", rr.Code)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	mem := ratelimit.NewMemoryStore(time.Minute)
	t.Cleanup(mem.Close)
	limiter, err := ratelimit.New(mem, 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	server := newTestServer(t, limiter)

	body := `{"email":"m@gym.test"}`
	if rr := serve(server, http.MethodPost, "/api/me/sync", "user_member", body); rr.Code != http.StatusOK {
		t.Fatalf("first sync: expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	rr := serve(server, http.MethodPost, "/api/me/sync", "user_member", body)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second sync: expected 429 got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// Reads are not limited.
	if rr := serve(server, http.MethodGet, "/api/notifications", "user_member", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be rate limited, got %d", rr.Code)
	}
}
