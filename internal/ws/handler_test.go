package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hallchat/internal/auth"
	"hallchat/internal/models"
	"hallchat/internal/presence"
	"hallchat/internal/relay"
	"hallchat/internal/repositories"
)

type memRepo struct {
	mu       sync.Mutex
	messages []models.Message
	failNext bool
}

func (r *memRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return models.Message{}, assert.AnError
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	r.messages = append(r.messages, msg)
	msg.DeliveryState = models.DeliveryConfirmed
	return msg, nil
}

func (r *memRepo) ListHallMessages(ctx context.Context, limit int) ([]models.Message, error) {
	return nil, nil
}

func (r *memRepo) ListConversationMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	return nil, nil
}

func (r *memRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return models.Message{}, repositories.ErrMessageNotFound
}

func (r *memRepo) stored() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

var _ repositories.MessageRepository = (*memRepo)(nil)

func newTestServer(t *testing.T, repo repositories.MessageRepository) (*httptest.Server, *presence.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := presence.NewRegistry()
	router := relay.NewMessageRouter(registry)
	typing := relay.NewTypingRelay(registry)
	calls := relay.NewCallSignalingRelay(registry)
	verifier := auth.NewStaticVerifier(map[string]string{
		"token-alice": "alice",
		"token-bob":   "bob",
		"token-cara":  "cara",
	})
	handler := NewHandler(registry, router, typing, calls, repo, verifier, nil)

	engine := gin.New()
	engine.GET("/ws", handler.Handle)

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	return server, registry
}

func dialAndJoin(t *testing.T, server *httptest.Server, token, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env, err := models.NewEnvelope(models.EventJoin, models.JoinPayload{UserID: userID})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func waitForPresence(t *testing.T, registry *presence.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for registry.Size() != want {
		if time.Now().After(deadline) {
			t.Fatalf("presence size %d, want %d", registry.Size(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerRejectsBadToken(t *testing.T) {
	server, _ := newTestServer(t, &memRepo{})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Authorization": []string{"Bearer nope"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlerAcceptsQueryToken(t *testing.T) {
	server, registry := newTestServer(t, &memRepo{})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=token-alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env, err := models.NewEnvelope(models.EventJoin, models.JoinPayload{UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))

	waitForPresence(t, registry, 1)
	assert.Equal(t, []string{"alice"}, registry.ListActive())
}

func TestHandlerHallBroadcast(t *testing.T) {
	repo := &memRepo{}
	server, registry := newTestServer(t, repo)

	alice := dialAndJoin(t, server, "token-alice", "alice")
	bob := dialAndJoin(t, server, "token-bob", "bob")
	cara := dialAndJoin(t, server, "token-cara", "cara")
	waitForPresence(t, registry, 3)

	send, err := models.NewEnvelope(models.EventHallSend, models.SendPayload{Text: "hi hall"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	for _, conn := range []*websocket.Conn{alice, bob, cara} {
		env := readEnvelope(t, conn)
		require.Equal(t, models.EventHallNewMessage, env.Event)

		var msg models.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "hi hall", msg.Text)
		assert.Equal(t, models.ScopeHall, msg.Scope)
		assert.Equal(t, models.HallKey, msg.ConversationKey)
		assert.NotEmpty(t, msg.ID)
	}

	stored := repo.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, models.HallKey, stored[0].ConversationKey)
}

func TestHandlerPrivateDelivery(t *testing.T) {
	repo := &memRepo{}
	server, registry := newTestServer(t, repo)

	alice := dialAndJoin(t, server, "token-alice", "alice")
	bob := dialAndJoin(t, server, "token-bob", "bob")
	waitForPresence(t, registry, 2)

	send, err := models.NewEnvelope(models.EventPrivateSend, models.SendPayload{
		ReceiverID: "bob",
		Text:       "just you",
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	for _, conn := range []*websocket.Conn{bob, alice} {
		env := readEnvelope(t, conn)
		require.Equal(t, models.EventPrivateNewMessage, env.Event)

		var msg models.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "bob", msg.ReceiverID)
		assert.Equal(t, models.ConversationKey("alice", "bob"), msg.ConversationKey)
	}
}

func TestHandlerPrivateToOfflineDropsEverywhere(t *testing.T) {
	repo := &memRepo{}
	server, registry := newTestServer(t, repo)

	alice := dialAndJoin(t, server, "token-alice", "alice")
	waitForPresence(t, registry, 1)

	send, err := models.NewEnvelope(models.EventPrivateSend, models.SendPayload{
		ReceiverID: "bob",
		Text:       "anyone there",
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	// No echo comes back when the receiver is offline; the message is still
	// persisted for history.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var env models.Envelope
	assert.Error(t, alice.ReadJSON(&env))

	deadline := time.Now().Add(2 * time.Second)
	for len(repo.stored()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, repo.stored(), 1)
}

func TestHandlerRelaysDespiteStoreFailure(t *testing.T) {
	repo := &memRepo{failNext: true}
	server, registry := newTestServer(t, repo)

	alice := dialAndJoin(t, server, "token-alice", "alice")
	waitForPresence(t, registry, 1)

	send, err := models.NewEnvelope(models.EventHallSend, models.SendPayload{Text: "still here"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	env := readEnvelope(t, alice)
	require.Equal(t, models.EventHallNewMessage, env.Event)

	var msg models.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "still here", msg.Text)
	assert.NotEmpty(t, msg.ID)
	assert.Empty(t, repo.stored())
}

func TestHandlerTypingRelay(t *testing.T) {
	server, registry := newTestServer(t, &memRepo{})

	alice := dialAndJoin(t, server, "token-alice", "alice")
	bob := dialAndJoin(t, server, "token-bob", "bob")
	waitForPresence(t, registry, 2)

	send, err := models.NewEnvelope(models.EventTyping, models.TypingPayload{
		ReceiverID: "bob",
		IsTyping:   true,
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	env := readEnvelope(t, bob)
	require.Equal(t, models.EventTyping, env.Event)

	var payload models.TypingPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "alice", payload.SenderID)
	assert.True(t, payload.IsTyping)
}

func TestHandlerStampsCallSender(t *testing.T) {
	server, registry := newTestServer(t, &memRepo{})

	alice := dialAndJoin(t, server, "token-alice", "alice")
	bob := dialAndJoin(t, server, "token-bob", "bob")
	waitForPresence(t, registry, 2)

	// The sender field is stamped from the token identity, never trusted from
	// the payload.
	send, err := models.NewEnvelope(models.EventCallEnd, models.CallEnd{
		ToUserID:   "bob",
		FromUserID: "mallory",
	})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	env := readEnvelope(t, bob)
	require.Equal(t, models.EventCallEnd, env.Event)

	var end models.CallEnd
	require.NoError(t, json.Unmarshal(env.Data, &end))
	assert.Equal(t, "alice", end.FromUserID)
}

func TestHandlerDisconnectClearsPresence(t *testing.T) {
	server, registry := newTestServer(t, &memRepo{})

	alice := dialAndJoin(t, server, "token-alice", "alice")
	waitForPresence(t, registry, 1)

	require.NoError(t, alice.Close())
	waitForPresence(t, registry, 0)
}
