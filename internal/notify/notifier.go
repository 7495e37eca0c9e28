// Package notify implements the marketplace's best-effort notification
// channel. Trade token snapshots and completed-sale events are dispatched to
// all registered senders (generic webhook, Discord, etc.) for off-process
// auditing; delivery failures are logged and never surface as transaction
// failures.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hallgrove/marketd/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given topic and message body.
	Send(ctx context.Context, topic, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "webhook").
	Name() string
}

// Notifier dispatches marketplace events to one or more Senders. It maintains
// a set of allowed event topics; Publish only forwards messages whose topic
// is in the allowed set. An empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event topics
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// topics appearing in the events slice are forwarded; if events is empty, all
// topics are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish implements domain.Publisher: fire-and-forget delivery of an event
// payload to every sender. A single sender failure does not prevent delivery
// to the remaining senders; the combined error is returned for logging only.
func (n *Notifier) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(n.events) > 0 && !n.events[topic] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("topic", topic),
		)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	message := string(payload)

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, topic, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("topic", topic),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Compile-time interface check.
var _ domain.Publisher = (*Notifier)(nil)
