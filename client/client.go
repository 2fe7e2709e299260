// Package client is the Go client for the hallchat relay. It manages the
// websocket session (join, reconnect with backoff), keeps local conversation
// state consistent with relay deliveries, and drives WebRTC call signaling.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"hallchat/internal/models"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrNotConnected = errors.New("not connected")
)

// Config holds connection parameters.
type Config struct {
	URL              string        // websocket endpoint, e.g. "ws://localhost:8083/ws"
	Token            string        // bearer token
	UserID           string        // identity announced on join
	HandshakeTimeout time.Duration // default 10s
	DisableReconnect bool          // disable automatic reconnection
}

// Handlers receives relay deliveries. All handlers for one connection are
// invoked from a single goroutine in arrival order; a slow handler delays
// everything behind it.
type Handlers struct {
	OnHallMessage    func(models.Message)
	OnPrivateMessage func(models.Message)
	OnTyping         func(models.TypingPayload)
	OnCallOffer      func(models.CallOffer)
	OnCallAnswer     func(models.CallAnswer)
	OnCallCandidate  func(models.CallCandidate)
	OnCallEnd        func(models.CallEnd)
	OnConnected      func()
	OnDisconnected   func(error)
}

// ConnectionManager owns one logical relay session across reconnects.
type ConnectionManager struct {
	cfg      Config
	handlers Handlers
	done     chan struct{}

	// writeMu serializes socket writes; mu guards session state.
	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	gen     int
	closed  bool
}

// New builds a ConnectionManager. Call Connect to establish the session.
func New(cfg Config, handlers Handlers) *ConnectionManager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		cfg:      cfg,
		handlers: handlers,
		done:     make(chan struct{}),
	}
}

// Connect dials the relay, joins, and starts the read loop. Any previous
// connection is torn down first.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	return m.dial(ctx)
}

func (m *ConnectionManager) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + m.cfg.Token}}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if err := m.write(models.EventJoin, models.JoinPayload{UserID: m.cfg.UserID}); err != nil {
		conn.Close()
		return err
	}

	if m.handlers.OnConnected != nil {
		m.handlers.OnConnected()
	}
	go m.readLoop(conn, gen)
	return nil
}

// Disconnect closes the session permanently. No reconnect follows.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	close(m.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Done returns a channel that closes when the client shuts down.
func (m *ConnectionManager) Done() <-chan struct{} { return m.done }

// SendHall sends a hall message. ReceiverID is ignored.
func (m *ConnectionManager) SendHall(payload models.SendPayload) error {
	payload.ReceiverID = ""
	return m.write(models.EventHallSend, payload)
}

// SendPrivate sends a private message to payload.ReceiverID.
func (m *ConnectionManager) SendPrivate(payload models.SendPayload) error {
	if payload.ReceiverID == "" {
		return errors.New("receiver id is empty")
	}
	return m.write(models.EventPrivateSend, payload)
}

// SendTyping sends a typing indicator to one user.
func (m *ConnectionManager) SendTyping(receiverID string, isTyping bool) error {
	return m.write(models.EventTyping, models.TypingPayload{ReceiverID: receiverID, IsTyping: isTyping})
}

// SendOffer sends a call offer. Part of the call Signaler surface.
func (m *ConnectionManager) SendOffer(toUserID string, sdp webrtc.SessionDescription) error {
	return m.write(models.EventCallOffer, models.CallOffer{ToUserID: toUserID, SDP: sdp})
}

// SendAnswer sends a call answer.
func (m *ConnectionManager) SendAnswer(toUserID string, sdp webrtc.SessionDescription) error {
	return m.write(models.EventCallAnswer, models.CallAnswer{ToUserID: toUserID, SDP: sdp})
}

// SendCandidate sends one ICE candidate.
func (m *ConnectionManager) SendCandidate(toUserID string, candidate webrtc.ICECandidateInit) error {
	return m.write(models.EventCallCandidate, models.CallCandidate{ToUserID: toUserID, Candidate: candidate})
}

// SendEnd signals call teardown.
func (m *ConnectionManager) SendEnd(toUserID string) error {
	return m.write(models.EventCallEnd, models.CallEnd{ToUserID: toUserID})
}

func (m *ConnectionManager) write(event string, data any) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(env)
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen
			closed := m.closed
			if !stale && m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			if stale {
				return
			}
			if m.handlers.OnDisconnected != nil {
				m.handlers.OnDisconnected(err)
			}
			if !closed && !m.cfg.DisableReconnect {
				go m.reconnectLoop()
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("client bad envelope: %v", err)
			continue
		}
		m.dispatch(env)
	}
}

func (m *ConnectionManager) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-m.done:
			return
		case <-time.After(bo.NextBackOff()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		err := m.dial(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		log.Printf("reconnect failed: %v", err)
	}
}

func (m *ConnectionManager) dispatch(env models.Envelope) {
	switch env.Event {
	case models.EventHallNewMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err == nil && m.handlers.OnHallMessage != nil {
			m.handlers.OnHallMessage(msg)
		}
	case models.EventPrivateNewMessage:
		var msg models.Message
		if err := json.Unmarshal(env.Data, &msg); err == nil && m.handlers.OnPrivateMessage != nil {
			m.handlers.OnPrivateMessage(msg)
		}
	case models.EventTyping:
		var payload models.TypingPayload
		if err := json.Unmarshal(env.Data, &payload); err == nil && m.handlers.OnTyping != nil {
			m.handlers.OnTyping(payload)
		}
	case models.EventCallOffer:
		var offer models.CallOffer
		if err := json.Unmarshal(env.Data, &offer); err == nil && m.handlers.OnCallOffer != nil {
			m.handlers.OnCallOffer(offer)
		}
	case models.EventCallAnswer:
		var answer models.CallAnswer
		if err := json.Unmarshal(env.Data, &answer); err == nil && m.handlers.OnCallAnswer != nil {
			m.handlers.OnCallAnswer(answer)
		}
	case models.EventCallCandidate:
		var candidate models.CallCandidate
		if err := json.Unmarshal(env.Data, &candidate); err == nil && m.handlers.OnCallCandidate != nil {
			m.handlers.OnCallCandidate(candidate)
		}
	case models.EventCallEnd:
		var end models.CallEnd
		if err := json.Unmarshal(env.Data, &end); err == nil && m.handlers.OnCallEnd != nil {
			m.handlers.OnCallEnd(end)
		}
	default:
		log.Printf("client unknown event %q", env.Event)
	}
}
