package models

import "strings"

// HallKey indexes the shared hall conversation.
const HallKey = "hall"

// ConversationKey derives the deterministic key for a two-party conversation
// or call room. Both participants compute the same key regardless of argument
// order.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, ":")
}
