package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

const (
	eventActivate = "activate"
	eventSuspend  = "suspend"
	eventPend     = "pend"
	eventCancel   = "cancel"
)

var (
	stActive    = string(models.MembershipActive)
	stPending   = string(models.MembershipPending)
	stSuspended = string(models.MembershipSuspended)
	stCancelled = string(models.MembershipCancelled)
)

// Cancelled is terminal: a new subscription creates a new membership row.
var statusEvents = fsm.Events{
	{Name: eventActivate, Src: []string{stPending, stSuspended, stActive}, Dst: stActive},
	{Name: eventSuspend, Src: []string{stActive, stPending, stSuspended}, Dst: stSuspended},
	{Name: eventPend, Src: []string{stPending}, Dst: stPending},
	{Name: eventCancel, Src: []string{stActive, stPending, stSuspended, stCancelled}, Dst: stCancelled},
}

// transition returns the status reached by firing event from the given
// status. Firing an event that leaves the status unchanged is not an error.
func transition(ctx context.Context, from models.MembershipStatus, event string) (models.MembershipStatus, error) {
	machine := fsm.NewFSM(string(from), statusEvents, fsm.Callbacks{})

	err := machine.Event(ctx, event)
	var unchanged fsm.NoTransitionError
	if errors.As(err, &unchanged) {
		return from, nil
	}
	if err != nil {
		return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
	}
	return models.MembershipStatus(machine.Current()), nil
}

func eventFor(target models.MembershipStatus) string {
	switch target {
	case models.MembershipActive:
		return eventActivate
	case models.MembershipSuspended:
		return eventSuspend
	case models.MembershipPending:
		return eventPend
	default:
		return eventCancel
	}
}

// StatusFromProvider maps a Stripe subscription status to a membership status.
// Unknown statuses report false.
func StatusFromProvider(status string) (models.MembershipStatus, bool) {
	switch status {
	case "active", "trialing":
		return models.MembershipActive, true
	case "past_due", "unpaid", "paused":
		return models.MembershipSuspended, true
	case "incomplete":
		return models.MembershipPending, true
	case "canceled", "incomplete_expired":
		return models.MembershipCancelled, true
	default:
		return "", false
	}
}
