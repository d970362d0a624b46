// Package notify delivers operator alerts over one or more channels.
// Telegram and Discord senders ship with the bot; the notify.events config
// list narrows which event types actually go out.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event names raised by the payout and trade pipelines. The config's
// notify.events list filters on these.
const (
	// EventPayoutSent fires after a payout transaction is broadcast.
	EventPayoutSent = "payout_sent"

	// EventBroadcastAmbiguous fires when the wallet balance changed after a
	// failed send and the operator must decide whether coins actually moved.
	EventBroadcastAmbiguous = "broadcast_ambiguous"

	// EventManualReview fires when a record is parked for operator review.
	EventManualReview = "manual_review"

	// EventRemoteRejected fires when the pool service refuses an update that
	// already happened locally.
	EventRemoteRejected = "remote_rejected"

	// EventError covers operational failures that do not fit the above.
	EventError = "error"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to its senders. Notify drops events outside the
// configured set; NotifyAll always delivers.
type Notifier struct {
	senders []Sender
	events  map[string]struct{}
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over the given senders. An empty events
// list means every event type is delivered.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) wants(event string) bool {
	if len(n.events) == 0 {
		return true
	}
	_, ok := n.events[event]
	return ok
}

// Notify delivers the alert when its event type passes the configured
// filter, and silently drops it otherwise.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.wants(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.fanout(ctx, title, message)
}

// NotifyAll delivers the alert to every sender regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.fanout(ctx, title, message)
}

// fanout tries every sender even after one fails. The joined error names
// each failed channel.
func (n *Notifier) fanout(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}
