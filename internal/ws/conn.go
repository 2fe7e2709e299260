package ws

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hallchat/internal/models"
)

// ConnInfo captures identity and handshake metadata for one connection.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// Conn wraps a websocket connection behind the presence.Sender surface.
// Relays fan out from arbitrary goroutines, so writes are serialized here.
type Conn struct {
	id   string
	info ConnInfo

	mu   sync.Mutex
	sock *websocket.Conn
}

func newConn(sock *websocket.Conn, info ConnInfo) *Conn {
	return &Conn{id: info.ConnID, info: info, sock: sock}
}

// Send marshals one relay event and writes it to the socket.
func (c *Conn) Send(event string, data any) error {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(env)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
