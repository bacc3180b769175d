package email

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes emails to the log instead of sending them. It is used when
// no Postmark token is configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender returns a Sender that only logs.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "email").Logger()}
}

// Send implements Sender.
func (l *LogSender) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	l.logger.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("tag", msg.Tag).
		Int("body_bytes", len(msg.HTMLBody)).
		Msg("email not sent (log sender)")
	return nil
}
