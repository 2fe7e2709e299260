package relay

import (
	"hallchat/internal/models"
	"hallchat/internal/observability"
	"hallchat/internal/presence"
)

// TypingRelay forwards ephemeral typing indicators. Best-effort only: no
// retry, no queueing, no state between calls.
type TypingRelay struct {
	registry *presence.Registry
}

// NewTypingRelay constructs a TypingRelay.
func NewTypingRelay(registry *presence.Registry) *TypingRelay {
	return &TypingRelay{registry: registry}
}

// RouteTyping forwards the indicator to the receiver if they are online;
// otherwise the event is simply lost.
func (r *TypingRelay) RouteTyping(senderID, receiverID string, isTyping bool) {
	entry, ok := r.registry.Resolve(receiverID)
	if !ok {
		observability.IncRelayDropped(models.EventTyping)
		return
	}
	payload := models.TypingPayload{SenderID: senderID, IsTyping: isTyping}
	if err := entry.Sender.Send(models.EventTyping, payload); err != nil {
		observability.IncRelayDropped(models.EventTyping)
		return
	}
	observability.IncRelayDelivered(models.EventTyping)
}
