package observability

// WSEventsRoutingKey is the topic for websocket lifecycle events.
const WSEventsRoutingKey = "ws_events.relay"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEventPayload describes one websocket lifecycle event together with the
// identity that owns the connection.
type WSEventPayload struct {
	ConnID     string `json:"conn_id"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	IP         string `json:"ip"`
	Event      string `json:"event"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

// WSEventEnvelope wraps a lifecycle event for publishing.
func WSEventEnvelope(name string, payload WSEventPayload) EventEnvelope {
	return EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload:   payload,
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
