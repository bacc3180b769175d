package models

import "time"

// NoticeKind identifies the reason a member is being notified.
type NoticeKind string

const (
	NoticeWelcome               NoticeKind = "welcome"
	NoticeRenewed               NoticeKind = "renewed"
	NoticeCancellationScheduled NoticeKind = "cancellation_scheduled"
	NoticeMembershipEnded       NoticeKind = "membership_ended"
	NoticePaymentFailed         NoticeKind = "payment_failed"
)

// Notice is a request to notify a member after a membership mutation.
type Notice struct {
	Kind         NoticeKind `json:"kind"`
	UserID       int64      `json:"user_id"`
	MembershipID int64      `json:"membership_id,omitempty"`
	PlanType     PlanType   `json:"plan_type,omitempty"`
	PeriodEnd    *time.Time `json:"period_end,omitempty"`
}

// Notification is an in-app notification shown to a member.
type Notification struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	JobID     *int64     `json:"job_id,omitempty"`
	Kind      NoticeKind `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
