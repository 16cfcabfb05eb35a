// Package natsrelay implements the notifier port by publishing notification
// events to the message queue, where the external notification relay picks
// them up. Delivery is fire-and-forget from the core's perspective.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/internal/port/messagequeue"
	"github.com/droverhq/drover/internal/port/notifier"
)

// Notifier publishes notification events over the message queue.
type Notifier struct {
	queue messagequeue.Queue
}

// New creates a queue-backed notifier.
func New(queue messagequeue.Queue) *Notifier {
	return &Notifier{queue: queue}
}

// Name returns the notifier identifier.
func (n *Notifier) Name() string { return "nats" }

// Notify publishes the event to notifications.<source>.
func (n *Notifier) Notify(ctx context.Context, ev notifier.Event) error {
	if n.queue == nil {
		return notifier.ErrNotConfigured
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := messagequeue.SubjectNotify + "." + ev.Source
	if err := n.queue.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
