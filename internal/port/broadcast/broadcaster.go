// Package broadcast defines the port for the org-scoped change-notification
// stream that UI layers subscribe to for "something changed" signals.
package broadcast

import "context"

// Broadcaster fans a typed event out to every subscriber of the given
// organization. Events are advisory and safe to coalesce; the contract is
// only that one fires at least once per actual state change.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, orgID, eventType string, payload any)
}
