package notify

import (
	"context"
	"time"

	"opsdeck.io/internal/obs"
)

// Message is an outbound notification handed to the delivery collaborator.
type Message struct {
	To       string
	Template string
	Fields   map[string]string
}

// Sender delivers messages. Delivery is an external concern; the engine only
// needs the contract.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Async wraps a Sender so callers never block on delivery. MFA codes and
// reset emails are sent fire-and-forget relative to the HTTP response.
type Async struct {
	sender  Sender
	timeout time.Duration
}

// NewAsync builds an Async dispatcher over the given sender.
func NewAsync(sender Sender, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{sender: sender, timeout: timeout}
}

// Dispatch sends in a detached goroutine. Failures are logged, never surfaced:
// the caller's state (pending MFA session, issued reset token) exists
// regardless of delivery outcome.
func (a *Async) Dispatch(m Message) {
	if a == nil || a.sender == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sender.Send(ctx, m); err != nil {
			obs.LogRequest(map[string]any{
				"level":    "warn",
				"msg":      "notification delivery failed",
				"template": m.Template,
				"error":    err.Error(),
			})
		}
	}()
}

// LogSender is the default delivery collaborator in development: it writes
// the message to the structured log instead of sending mail.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m Message) error {
	obs.LogRequest(map[string]any{
		"level":    "info",
		"msg":      "notification",
		"to":       m.To,
		"template": m.Template,
		"fields":   m.Fields,
	})
	return nil
}
