// Package mailer delivers account emails: address verification and password
// reset links.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

type Message struct {
	To      string
	Subject string
	Body    string
	// Link is the action URL embedded in Body.
	Link string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Composer builds messages whose links point at the web client.
type Composer struct {
	baseURL string
}

func NewComposer(baseURL string) *Composer {
	return &Composer{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Composer) link(path string, token string) string {
	return c.baseURL + path + "?token=" + url.QueryEscape(token)
}

func (c *Composer) Verification(to string, displayName string, token string) Message {
	link := c.link("/verify-email", token)
	return Message{
		To:      to,
		Subject: "Confirm your email address",
		Body: fmt.Sprintf("Hi %s,\n\nConfirm your email address to activate your account:\n\n%s\n\n"+
			"If you did not create an account you can ignore this message.\n", displayName, link),
		Link: link,
	}
}

func (c *Composer) PasswordReset(to string, displayName string, token string) Message {
	link := c.link("/reset-password", token)
	return Message{
		To:      to,
		Subject: "Reset your password",
		Body: fmt.Sprintf("Hi %s,\n\nUse the link below to choose a new password. It expires soon and works once:\n\n%s\n\n"+
			"If you did not ask for a reset, no action is needed.\n", displayName, link),
		Link: link,
	}
}

// LogMailer writes messages to the log instead of sending them. It is the
// development transport.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "mail delivered to log", "to", msg.To, "subject", msg.Subject, "action_url", msg.Link)
	return nil
}
