package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversationKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, ConversationKey("alice", "bob"), ConversationKey("bob", "alice"))
	assert.Equal(t, "alice:bob", ConversationKey("bob", "alice"))
	assert.Equal(t, "a:a", ConversationKey("a", "a"))
	assert.NotEqual(t, ConversationKey("a", "b"), ConversationKey("a", "c"))
}

func TestHasMedia(t *testing.T) {
	assert.False(t, Message{Text: "hi"}.HasMedia())
	assert.True(t, Message{ImageBase64: "aGk="}.HasMedia())
	assert.True(t, Message{VoiceBase64: "aGk="}.HasMedia())
}
