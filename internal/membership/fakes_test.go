package membership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PortNumber53/gymhub/backend/internal/models"
	"github.com/PortNumber53/gymhub/backend/internal/store"
)

// memStore mirrors the constraints of the Postgres schema: one open
// membership per user and a period end that never decreases on update.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]*models.User
	memberships []*models.Membership
	writes      int
	nextID      int64
}

func newMemStore(users ...models.User) *memStore {
	s := &memStore{users: map[int64]*models.User{}}
	for i := range users {
		u := users[i]
		s.users[u.ID] = &u
	}
	return s
}

func (s *memStore) UpsertActiveMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, existing := range s.memberships {
		if existing.UserID == m.UserID && existing.Status != models.MembershipCancelled {
			if existing.StripeSubscriptionID == m.StripeSubscriptionID && existing.CurrentPeriodEnd.After(m.CurrentPeriodEnd) {
				m.CurrentPeriodEnd = existing.CurrentPeriodEnd
			}
			m.ID = existing.ID
			m.CreatedAt = existing.CreatedAt
			cp := *m
			*existing = cp
			return nil
		}
	}
	s.nextID++
	m.ID = s.nextID
	cp := *m
	s.memberships = append(s.memberships, &cp)
	return nil
}

func (s *memStore) UpdateMembership(_ context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.memberships {
		if existing.ID != m.ID {
			continue
		}
		s.writes++
		if m.CurrentPeriodEnd.Before(existing.CurrentPeriodEnd) {
			m.CurrentPeriodStart = existing.CurrentPeriodStart
			m.CurrentPeriodEnd = existing.CurrentPeriodEnd
		}
		cp := *m
		*existing = cp
		return nil
	}
	return store.ErrMembershipNotFound
}

func (s *memStore) GetActiveMembership(_ context.Context, userID int64) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.Status != models.MembershipCancelled {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) GetMembershipBySubscriptionID(_ context.Context, subID string) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.memberships) - 1; i >= 0; i-- {
		if m := s.memberships[i]; subID != "" && m.StripeSubscriptionID == subID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) GetMembershipByID(_ context.Context, id int64) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrMembershipNotFound
}

func (s *memStore) ListMemberships(_ context.Context, userID int64) ([]models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) all() []models.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Membership, 0, len(s.memberships))
	for _, m := range s.memberships {
		out = append(out, *m)
	}
	return out
}

type fakeBilling struct {
	mu       sync.Mutex
	canceled []string
	err      error
}

func (b *fakeBilling) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if !atPeriodEnd {
		return errors.New("immediate cancellation not expected")
	}
	b.canceled = append(b.canceled, id)
	return nil
}

type scheduledExpiry struct {
	membershipID int64
	at           time.Time
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledExpiry
	err       error
}

func (r *recordingScheduler) ScheduleExpiry(_ context.Context, membershipID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.scheduled = append(r.scheduled, scheduledExpiry{membershipID: membershipID, at: at})
	return nil
}

type recordingQueue struct {
	jobs []*models.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job *models.Job) error {
	job.ID = int64(len(q.jobs) + 1)
	q.jobs = append(q.jobs, job)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *recordingNotifier) Dispatch(_ context.Context, notice models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) kinds() []models.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.NoticeKind, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Kind)
	}
	return out
}
