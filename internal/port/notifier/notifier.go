// Package notifier defines the outbound notification relay port.
// Delivery is fire-and-forget: a failed send is logged, never propagated
// into the caller's flow.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Event is the payload sent through a Notifier.
type Event struct {
	OrgID   string `json:"org_id"`
	Source  string `json:"source"` // e.g. "run.completed", "pipeline.failed", "merge.failed"
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"` // "info", "success", "warning", "error"
}

// Notifier is the port interface for the notification relay.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "nats").
	Name() string

	// Notify delivers an event. Implementations must not block on slow
	// downstream consumers beyond the context deadline.
	Notify(ctx context.Context, ev Event) error
}
