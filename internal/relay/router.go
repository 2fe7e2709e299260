package relay

import (
	"log"

	"hallchat/internal/models"
	"hallchat/internal/observability"
	"hallchat/internal/presence"
)

// MessageRouter fans hall messages to every live connection and private
// messages to exactly the sender and receiver. Delivery is fire-and-forget;
// durability belongs to the REST layer.
type MessageRouter struct {
	registry *presence.Registry
}

// NewMessageRouter constructs a MessageRouter.
func NewMessageRouter(registry *presence.Registry) *MessageRouter {
	return &MessageRouter{registry: registry}
}

// RouteHall broadcasts a hall message to all registered connections,
// including the sender's own.
func (r *MessageRouter) RouteHall(msg models.Message) {
	for _, entry := range r.registry.Snapshot() {
		if err := entry.Sender.Send(models.EventHallNewMessage, msg); err != nil {
			log.Printf("hall relay write to %s failed: %v", entry.UserID, err)
			observability.IncRelayDropped(models.EventHallNewMessage)
			continue
		}
		observability.IncRelayDelivered(models.EventHallNewMessage)
	}
}

// RoutePrivate delivers a private message to the receiver and echoes it to
// the sender. An offline receiver drops the event entirely: no connection
// sees it and no error reaches the sender — the durable store is how the
// receiver catches up later.
func (r *MessageRouter) RoutePrivate(msg models.Message) {
	receiver, ok := r.registry.Resolve(msg.ReceiverID)
	if !ok {
		observability.IncRelayDropped(models.EventPrivateNewMessage)
		return
	}

	if err := receiver.Sender.Send(models.EventPrivateNewMessage, msg); err != nil {
		log.Printf("private relay write to %s failed: %v", msg.ReceiverID, err)
		observability.IncRelayDropped(models.EventPrivateNewMessage)
	} else {
		observability.IncRelayDelivered(models.EventPrivateNewMessage)
	}

	if msg.SenderID == msg.ReceiverID {
		return
	}
	sender, ok := r.registry.Resolve(msg.SenderID)
	if !ok {
		return
	}
	if err := sender.Sender.Send(models.EventPrivateNewMessage, msg); err != nil {
		log.Printf("private echo write to %s failed: %v", msg.SenderID, err)
		observability.IncRelayDropped(models.EventPrivateNewMessage)
		return
	}
	observability.IncRelayDelivered(models.EventPrivateNewMessage)
}
