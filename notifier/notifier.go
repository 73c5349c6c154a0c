// Package notifier delivers alert messages. Delivery is best effort: callers
// get a boolean, never an error, and persistence is always committed first.
package notifier

import (
	"context"
	"fmt"
	"io"
	"time"

	"cardmarket-tracker/utils"
)

// FormatHTML asks the channel to render the text as HTML.
const FormatHTML = "HTML"

// Message is a fully formatted notification.
type Message struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
	Format      string `json:"format,omitempty"`
}

// Sender is a single delivery attempt over one transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier is the contract the pipeline depends on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) bool
}

// Retrying delivers through a Sender with a bounded retry budget. Exhausting
// the budget is logged and reported as false.
type Retrying struct {
	name   string
	sender Sender
	retry  *utils.RetryConfig
	logger *utils.Logger
}

// NewRetrying wraps sender with attempts tries and a fixed delay between them.
func NewRetrying(name string, sender Sender, attempts int, delay time.Duration, sleep utils.SleepFunc, logger *utils.Logger) *Retrying {
	return &Retrying{
		name:   name,
		sender: sender,
		retry: &utils.RetryConfig{
			MaxAttempts: attempts,
			BaseDelay:   delay,
			Fixed:       true,
			Logger:      logger,
			Sleep:       sleep,
		},
		logger: logger,
	}
}

func (r *Retrying) Notify(ctx context.Context, msg Message) bool {
	err := r.retry.Do(ctx, "notify-"+r.name, func(ctx context.Context) error {
		return r.sender.Send(ctx, msg)
	})
	if err != nil {
		r.logger.Error("[notifier] %s: all retries exhausted, alert not delivered: %v", r.name, err)
		return false
	}
	return true
}

// Multi fans a message out to every notifier and succeeds if any did.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) bool {
	delivered := false
	for _, n := range m {
		if n.Notify(ctx, msg) {
			delivered = true
		}
	}
	return delivered
}

// Stdout prints messages; used when no bot token is configured.
type Stdout struct {
	W io.Writer
}

func (s Stdout) Send(_ context.Context, msg Message) error {
	_, err := fmt.Fprintf(s.W, "--- %s ---\n%s\n", msg.Destination, msg.Text)
	return err
}
