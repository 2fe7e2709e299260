package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hallchat/internal/mocks"
	"hallchat/internal/models"
	"hallchat/internal/presence"
	"hallchat/internal/relay"
)

type recordingSender struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (s *recordingSender) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.data = append(s.data, data)
	return nil
}

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "alice")
		c.Next()
	})
	r.GET("/hall/messages", handler.ListHallMessages)
	r.POST("/hall/messages", handler.PostHallMessage)
	r.GET("/conversations/:user_id/messages", handler.ListConversationMessages)
	r.POST("/conversations/:user_id/messages", handler.PostConversationMessage)
	r.GET("/presence", handler.ListPresence)
	return r
}

func TestListHallMessagesSuccess(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	messageRepo.On("ListHallMessages", mock.Anything, 50).
		Return([]models.Message{{ID: "m1", Scope: models.ScopeHall, SenderID: "bob", Text: "hi"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/hall/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
	messageRepo.AssertExpectations(t)
}

func TestListHallMessagesCapsLimit(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	messageRepo.On("ListHallMessages", mock.Anything, 200).Return([]models.Message(nil), nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/hall/messages?limit=9000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestListHallMessagesRepoError(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	messageRepo.On("ListHallMessages", mock.Anything, 50).Return(([]models.Message)(nil), assert.AnError).Once()

	req := httptest.NewRequest(http.MethodGet, "/hall/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestPostHallMessageStoresAndRoutes(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	bob := &recordingSender{}
	registry.Register("bob", "conn-bob", bob)

	stored := models.Message{
		ID:              "m7",
		Scope:           models.ScopeHall,
		SenderID:        "alice",
		ConversationKey: models.HallKey,
		Text:            "hello hall",
	}
	messageRepo.On("CreateMessage", mock.Anything, mock.MatchedBy(func(msg models.Message) bool {
		return msg.Scope == models.ScopeHall && msg.SenderID == "alice" && msg.ConversationKey == models.HallKey
	})).Return(stored, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/hall/messages", bytes.NewBufferString(`{"text":"hello hall"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{models.EventHallNewMessage}, bob.events)
	messageRepo.AssertExpectations(t)
}

func TestPostHallMessageRejectsEmptyBody(t *testing.T) {
	registry := presence.NewRegistry()
	handler := NewMessageHandler(new(mocks.MessageRepositoryMock), relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/hall/messages", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListConversationMessagesUsesSortedKey(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	// Key is the same regardless of which participant asks.
	messageRepo.On("ListConversationMessages", mock.Anything, models.ConversationKey("bob", "alice"), 50).
		Return([]models.Message(nil), nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/conversations/bob/messages", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	messageRepo.AssertExpectations(t)
}

func TestPostConversationMessageRoutesToReceiver(t *testing.T) {
	messageRepo := new(mocks.MessageRepositoryMock)
	registry := presence.NewRegistry()
	handler := NewMessageHandler(messageRepo, relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	bob := &recordingSender{}
	registry.Register("bob", "conn-bob", bob)

	stored := models.Message{
		ID:              "m9",
		Scope:           models.ScopePrivate,
		SenderID:        "alice",
		ReceiverID:      "bob",
		ConversationKey: models.ConversationKey("alice", "bob"),
		Text:            "pst",
	}
	messageRepo.On("CreateMessage", mock.Anything, mock.MatchedBy(func(msg models.Message) bool {
		return msg.Scope == models.ScopePrivate && msg.ReceiverID == "bob" &&
			msg.ConversationKey == models.ConversationKey("alice", "bob")
	})).Return(stored, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/conversations/bob/messages", bytes.NewBufferString(`{"text":"pst"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{models.EventPrivateNewMessage}, bob.events)
	messageRepo.AssertExpectations(t)
}

func TestPostConversationMessageToSelfRejected(t *testing.T) {
	registry := presence.NewRegistry()
	handler := NewMessageHandler(new(mocks.MessageRepositoryMock), relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/conversations/alice/messages", bytes.NewBufferString(`{"text":"hi me"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPresence(t *testing.T) {
	registry := presence.NewRegistry()
	handler := NewMessageHandler(new(mocks.MessageRepositoryMock), relay.NewMessageRouter(registry), registry)
	router := setupMessageRouter(handler)

	registry.Register("bob", "conn-bob", &recordingSender{})

	req := httptest.NewRequest(http.MethodGet, "/presence", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"bob"}, resp.Users)
}
