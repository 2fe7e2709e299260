package relay

import (
	"log"

	"hallchat/internal/models"
	"hallchat/internal/observability"
	"hallchat/internal/presence"
)

// CallSignalingRelay forwards call negotiation events between two user-scoped
// connections. It is intentionally dumb: no call state is kept server-side
// and payloads are passed through verbatim. An offline target drops the
// event; the initiator gets no failure signal.
type CallSignalingRelay struct {
	registry *presence.Registry
}

// NewCallSignalingRelay constructs a CallSignalingRelay.
func NewCallSignalingRelay(registry *presence.Registry) *CallSignalingRelay {
	return &CallSignalingRelay{registry: registry}
}

// RouteOffer forwards an SDP offer to the callee.
func (r *CallSignalingRelay) RouteOffer(offer models.CallOffer) {
	r.forward(models.EventCallOffer, offer.ToUserID, offer)
}

// RouteAnswer forwards an SDP answer to the caller.
func (r *CallSignalingRelay) RouteAnswer(answer models.CallAnswer) {
	r.forward(models.EventCallAnswer, answer.ToUserID, answer)
}

// RouteCandidate forwards one ICE candidate.
func (r *CallSignalingRelay) RouteCandidate(candidate models.CallCandidate) {
	r.forward(models.EventCallCandidate, candidate.ToUserID, candidate)
}

// RouteEnd forwards a hangup.
func (r *CallSignalingRelay) RouteEnd(end models.CallEnd) {
	r.forward(models.EventCallEnd, end.ToUserID, end)
}

func (r *CallSignalingRelay) forward(event, toUserID string, payload any) {
	entry, ok := r.registry.Resolve(toUserID)
	if !ok {
		observability.IncRelayDropped(event)
		return
	}
	if err := entry.Sender.Send(event, payload); err != nil {
		log.Printf("call relay write %s to %s failed: %v", event, toUserID, err)
		observability.IncRelayDropped(event)
		return
	}
	observability.IncRelayDelivered(event)
}
