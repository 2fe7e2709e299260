package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"hallchat/internal/auth"
	"hallchat/internal/models"
	"hallchat/internal/observability"
	"hallchat/internal/presence"
	"hallchat/internal/relay"
	"hallchat/internal/repositories"
	"hallchat/internal/telemetry"
)

// Handler owns the relay websocket endpoint: it authenticates the handshake,
// upgrades, and runs one read loop per connection. Events for a single
// connection are dispatched in arrival order; connections interleave freely.
type Handler struct {
	registry    *presence.Registry
	router      *relay.MessageRouter
	typing      *relay.TypingRelay
	calls       *relay.CallSignalingRelay
	messageRepo repositories.MessageRepository
	verifier    auth.Verifier
	emitter     *telemetry.AuditEmitter
}

// NewHandler constructs the websocket Handler.
func NewHandler(
	registry *presence.Registry,
	router *relay.MessageRouter,
	typing *relay.TypingRelay,
	calls *relay.CallSignalingRelay,
	messageRepo repositories.MessageRepository,
	verifier auth.Verifier,
	emitter *telemetry.AuditEmitter,
) *Handler {
	return &Handler{
		registry:    registry,
		router:      router,
		typing:      typing,
		calls:       calls,
		messageRepo: messageRepo,
		verifier:    verifier,
		emitter:     emitter,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and starts its read loop.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("hallchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.GetHeader("Authorization")
	if token == "" {
		if q := c.Query("token"); q != "" {
			token = "Bearer " + q
		}
	}

	userID, err := h.validateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	conn := newConn(sock, info)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey,
		observability.WSEventEnvelope("ws_connect", h.eventPayload(info, "ws_connect", "")),
		observability.BuildHeaders(requestID, traceID))

	go h.readLoop(ctx, conn)
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	info := conn.info
	var closeReason string
	defer func() {
		if h.registry.Unregister(info.ConnID) {
			observability.SetPresenceActive(h.registry.Size())
		}
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey,
			observability.WSEventEnvelope("ws_disconnect", h.eventPayload(info, "ws_disconnect", closeReason)),
			observability.BuildHeaders(info.RequestID, info.TraceID))
		conn.Close()
	}()

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
				_ = observability.PublishEvent(ctx, observability.WSEventsRoutingKey,
					observability.WSEventEnvelope("ws_error", h.eventPayload(info, "ws_error", closeReason)),
					observability.BuildHeaders(info.RequestID, info.TraceID))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("ws bad envelope from %s: %v", info.UserID, err)
			continue
		}
		h.dispatch(ctx, conn, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, env models.Envelope) {
	observability.IncWSEvent(env.Event)
	userID := conn.info.UserID

	switch env.Event {
	case models.EventJoin:
		var payload models.JoinPayload
		_ = json.Unmarshal(env.Data, &payload)
		if payload.UserID != "" && payload.UserID != userID {
			log.Printf("join payload user %s ignored, token user is %s", payload.UserID, userID)
		}
		prev, replaced := h.registry.Register(userID, conn.info.ConnID, conn)
		observability.SetPresenceActive(h.registry.Size())
		if replaced {
			// Last-writer-wins: the superseded connection stays open until its
			// own read loop notices the peer is gone.
			log.Printf("presence replaced for %s: prev_conn=%s", userID, prev)
			h.emitter.Emit(ctx, "INFO", "presence entry replaced", conn.info.RequestID, &userID)
		}

	case models.EventHallSend:
		var payload models.SendPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			log.Printf("ws bad hall:send from %s: %v", userID, err)
			return
		}
		msg := models.Message{
			Scope:           models.ScopeHall,
			SenderID:        userID,
			ConversationKey: models.HallKey,
			Text:            payload.Text,
			ImageBase64:     payload.ImageBase64,
			VoiceBase64:     payload.VoiceBase64,
		}
		h.router.RouteHall(h.store(ctx, msg))

	case models.EventPrivateSend:
		var payload models.SendPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ReceiverID == "" {
			log.Printf("ws bad private:send from %s", userID)
			return
		}
		msg := models.Message{
			Scope:           models.ScopePrivate,
			SenderID:        userID,
			ReceiverID:      payload.ReceiverID,
			ConversationKey: models.ConversationKey(userID, payload.ReceiverID),
			Text:            payload.Text,
			ImageBase64:     payload.ImageBase64,
			VoiceBase64:     payload.VoiceBase64,
		}
		h.router.RoutePrivate(h.store(ctx, msg))

	case models.EventTyping:
		var payload models.TypingPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.ReceiverID == "" {
			return
		}
		h.typing.RouteTyping(userID, payload.ReceiverID, payload.IsTyping)

	case models.EventCallOffer:
		var offer models.CallOffer
		if err := json.Unmarshal(env.Data, &offer); err != nil || offer.ToUserID == "" {
			return
		}
		offer.FromUserID = userID
		h.calls.RouteOffer(offer)

	case models.EventCallAnswer:
		var answer models.CallAnswer
		if err := json.Unmarshal(env.Data, &answer); err != nil || answer.ToUserID == "" {
			return
		}
		answer.FromUserID = userID
		h.calls.RouteAnswer(answer)

	case models.EventCallCandidate:
		var candidate models.CallCandidate
		if err := json.Unmarshal(env.Data, &candidate); err != nil || candidate.ToUserID == "" {
			return
		}
		candidate.FromUserID = userID
		h.calls.RouteCandidate(candidate)

	case models.EventCallEnd:
		var end models.CallEnd
		if err := json.Unmarshal(env.Data, &end); err != nil || end.ToUserID == "" {
			return
		}
		end.FromUserID = userID
		h.calls.RouteEnd(end)

	default:
		log.Printf("ws unknown event %q from %s", env.Event, userID)
	}
}

// store persists a relayed message best-effort. The relay is not the
// durability path; a failed insert still gets routed, with locally assigned
// id and timestamp so clients can de-duplicate.
func (h *Handler) store(ctx context.Context, msg models.Message) models.Message {
	stored, err := h.messageRepo.CreateMessage(ctx, msg)
	if err != nil {
		log.Printf("message store failed, relaying unsaved: %v", err)
		stored = msg
		stored.ID = uuid.NewString()
		stored.CreatedAt = time.Now().UTC()
	}
	stored.DeliveryState = models.DeliveryConfirmed
	return stored
}

func (h *Handler) eventPayload(info ConnInfo, event, reason string) observability.WSEventPayload {
	var durationMS int64
	if event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	return observability.WSEventPayload{
		ConnID:     info.ConnID,
		UserID:     info.UserID,
		DeviceID:   info.DeviceID,
		IP:         info.IP,
		Event:      event,
		DurationMS: durationMS,
		Reason:     reason,
	}
}

func (h *Handler) validateToken(ctx context.Context, header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) == 2 {
		return h.verifier.Verify(ctx, parts[1])
	}
	return "", fmt.Errorf("invalid token")
}
