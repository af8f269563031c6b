package mailer

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposer_LinksCarryEscapedToken(t *testing.T) {
	t.Parallel()

	c := NewComposer("https://plm.example.com/")

	msg := c.PasswordReset("ada@example.com", "Ada", "a.b+c")
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "https://plm.example.com/reset-password?token=a.b%2Bc", msg.Link)
	assert.Contains(t, msg.Body, msg.Link)
	assert.Contains(t, msg.Body, "Hi Ada")

	msg = c.Verification("ada@example.com", "Ada", "tok")
	assert.Equal(t, "https://plm.example.com/verify-email?token=tok", msg.Link)
}

func TestLogMailer_Send(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, m.Send(context.Background(), Message{To: "ada@example.com", Subject: "hello", Link: "https://x"}))
	assert.Contains(t, buf.String(), "ada@example.com")
	assert.Contains(t, buf.String(), "action_url=https://x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, Message{}), context.Canceled)
}
