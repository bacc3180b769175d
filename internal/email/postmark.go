package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

// PostmarkConfig holds the Postmark credentials and envelope addresses.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	// BaseURL overrides the API host; empty uses the Postmark default.
	BaseURL string
}

// PostmarkSender sends email through Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

// NewPostmarkSender validates cfg and returns a Postmark-backed Sender.
func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	if cfg.ReplyTo == "" {
		cfg.ReplyTo = cfg.From
	}

	client := postmark.NewClient(cfg.ServerToken, cfg.AccountToken)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &PostmarkSender{client: client, cfg: cfg}, nil
}

// Send implements Sender.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.cfg.From,
		ReplyTo:    p.cfg.ReplyTo,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTMLBody,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
