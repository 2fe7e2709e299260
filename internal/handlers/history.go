package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hallchat/internal/models"
	"hallchat/internal/presence"
	"hallchat/internal/relay"
	"hallchat/internal/repositories"
)

const defaultHistoryLimit = 50
const maxHistoryLimit = 200

// MessageHandler serves message history and the REST send path. REST sends go
// through the same router as websocket sends, so online receivers see them
// live.
type MessageHandler struct {
	messageRepo repositories.MessageRepository
	router      *relay.MessageRouter
	registry    *presence.Registry
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messageRepo repositories.MessageRepository, router *relay.MessageRouter, registry *presence.Registry) *MessageHandler {
	return &MessageHandler{
		messageRepo: messageRepo,
		router:      router,
		registry:    registry,
	}
}

// ListHallMessages returns hall history, oldest first.
func (h *MessageHandler) ListHallMessages(c *gin.Context) {
	msgs, err := h.messageRepo.ListHallMessages(c.Request.Context(), historyLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostHallMessage stores a hall message and routes it to everyone online.
func (h *MessageHandler) PostHallMessage(c *gin.Context) {
	req, ok := bindSend(c)
	if !ok {
		return
	}

	msg := models.Message{
		Scope:           models.ScopeHall,
		SenderID:        c.GetString("userID"),
		ConversationKey: models.HallKey,
		Text:            req.Text,
		ImageBase64:     req.ImageBase64,
		VoiceBase64:     req.VoiceBase64,
	}
	stored, err := h.messageRepo.CreateMessage(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	h.router.RouteHall(stored)
	c.JSON(http.StatusCreated, stored)
}

// ListConversationMessages returns one private conversation, oldest first.
// The conversation is addressed by the other participant's user id.
func (h *MessageHandler) ListConversationMessages(c *gin.Context) {
	peerID := c.Param("user_id")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	key := models.ConversationKey(c.GetString("userID"), peerID)
	msgs, err := h.messageRepo.ListConversationMessages(c.Request.Context(), key, historyLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostConversationMessage stores a private message and routes it. Routing
// drops silently when the receiver is offline; the stored row is what they
// catch up from.
func (h *MessageHandler) PostConversationMessage(c *gin.Context) {
	peerID := c.Param("user_id")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	userID := c.GetString("userID")
	if peerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		return
	}

	req, ok := bindSend(c)
	if !ok {
		return
	}

	msg := models.Message{
		Scope:           models.ScopePrivate,
		SenderID:        userID,
		ReceiverID:      peerID,
		ConversationKey: models.ConversationKey(userID, peerID),
		Text:            req.Text,
		ImageBase64:     req.ImageBase64,
		VoiceBase64:     req.VoiceBase64,
	}
	stored, err := h.messageRepo.CreateMessage(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	h.router.RoutePrivate(stored)
	c.JSON(http.StatusCreated, stored)
}

// ListPresence returns the user ids currently registered on the relay.
func (h *MessageHandler) ListPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.registry.ListActive()})
}

func bindSend(c *gin.Context) (models.SendPayload, bool) {
	var req models.SendPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.SendPayload{}, false
	}
	if req.Text == "" && req.ImageBase64 == "" && req.VoiceBase64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return models.SendPayload{}, false
	}
	return req, true
}

func historyLimit(c *gin.Context) int {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit
}
