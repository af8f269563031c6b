package mailer

import (
	"context"
	"net/url"

	"github.com/stretchr/testify/mock"
)

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// Sent returns every message passed to Send, in call order. Call it only
// once no sends are in flight.
func (m *MockMailer) Sent() []Message {
	out := make([]Message, 0, len(m.Calls))
	for _, call := range m.Calls {
		if msg, ok := call.Arguments.Get(1).(Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

// TokenFromLink extracts the token query parameter of a message link.
func TokenFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}
