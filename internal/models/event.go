package models

import "encoding/json"

// Relay event names. Client-to-server sends and server-to-client deliveries
// share one catalog; call signals are forwarded verbatim in both directions.
const (
	EventJoin              = "join"
	EventHallSend          = "hall:send"
	EventHallNewMessage    = "hall:new-message"
	EventPrivateSend       = "private:send"
	EventPrivateNewMessage = "private:new-message"
	EventTyping            = "typing"
	EventCallOffer         = "call:offer"
	EventCallAnswer        = "call:answer"
	EventCallCandidate     = "call:candidate"
	EventCallEnd           = "call:end"
)

// Envelope frames every message on the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a wire envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// JoinPayload registers presence for the authenticated user.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// SendPayload is the client body of hall:send and private:send.
type SendPayload struct {
	ReceiverID  string `json:"receiverId,omitempty"`
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	VoiceBase64 string `json:"voiceBase64,omitempty"`
}

// TypingPayload carries a typing indicator. ReceiverID is set on the inbound
// leg, SenderID on the delivered leg.
type TypingPayload struct {
	ReceiverID string `json:"receiverId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}
