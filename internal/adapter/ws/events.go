package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BroadcastEvent marshals a typed event and broadcasts it to the org's
// subscribers. Event types and payload shapes live in the broadcast port.
// It implements the broadcast.Broadcaster port.
func (h *Hub) BroadcastEvent(ctx context.Context, orgID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		OrgID:   orgID,
		Payload: json.RawMessage(data),
	})
}
