// Package email renders and sends member notification emails.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFailedToSend  = errors.New("email: failed to send")
	ErrInvalidConfig = errors.New("email: invalid config")
	ErrInvalidParams = errors.New("email: invalid params")
)

// Sender delivers a rendered email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered email ready to send.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

// Validate reports missing required fields.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidParams)
	}
	if strings.TrimSpace(m.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	if strings.TrimSpace(m.HTMLBody) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidParams)
	}
	return nil
}
