package models

import "time"

// Scope distinguishes hall (everyone) from private (two-party) messages.
type Scope string

const (
	ScopeHall    Scope = "hall"
	ScopePrivate Scope = "private"
)

// DeliveryState tracks client-side reconciliation. Pending exists only for
// locally originated messages awaiting confirmation; everything else is born
// Confirmed. It never crosses the wire or the database.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// Message is a hall or private chat message.
type Message struct {
	ID              string    `db:"id" json:"id"`
	Scope           Scope     `db:"scope" json:"scope"`
	SenderID        string    `db:"sender_id" json:"sender_id"`
	ReceiverID      string    `db:"receiver_id" json:"receiver_id,omitempty"`
	ConversationKey string    `db:"conversation_key" json:"conversation_key,omitempty"`
	Text            string    `db:"text" json:"text,omitempty"`
	ImageBase64     string    `db:"image_base64" json:"image_base64,omitempty"`
	VoiceBase64     string    `db:"voice_base64" json:"voice_base64,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`

	DeliveryState DeliveryState `db:"-" json:"-"`
}

// HasMedia reports whether the message carries an image or voice payload.
func (m Message) HasMedia() bool {
	return m.ImageBase64 != "" || m.VoiceBase64 != ""
}
