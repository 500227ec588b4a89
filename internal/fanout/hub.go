// Package fanout is the websocket broadcast surface: a hub of connected
// clients fed by the realtime pipeline. Delivery is best-effort; a slow or
// dead client is dropped rather than allowed to stall the hub.
package fanout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/timefmt"
	"github.com/betwatch/prediction-engine/pkg/models"
)

const writeDeadline = 5 * time.Second

// ErrHubClosed is returned by BroadcastJSON once the hub has shut down.
var ErrHubClosed = errors.New("fanout: hub closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards connect cross-origin
	},
}

// client wraps one socket with a write mutex. Gorilla connections allow a
// single concurrent writer, and both the broadcast loop and the read loop
// (pong replies) write to the same socket, so every frame goes through
// write.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub maintains the set of active websocket clients and broadcasts messages.
type Hub struct {
	logger    zerolog.Logger
	broadcast chan []byte

	mu      sync.Mutex
	clients map[*client]bool
	closed  bool
	sent    uint64
	dropped uint64
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "fanout").Logger(),
		broadcast: make(chan []byte, 256),
		clients:   make(map[*client]bool),
	}
}

// Run drains the broadcast queue until the hub is closed. Clients whose
// write fails or times out are closed and pruned on the spot.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mu.Lock()
		var ok, failed int
		for cl := range h.clients {
			if err := cl.write(message); err != nil {
				cl.conn.Close()
				delete(h.clients, cl)
				failed++
				continue
			}
			ok++
		}
		h.sent += uint64(ok)
		h.dropped += uint64(failed)
		h.mu.Unlock()
		if failed > 0 {
			h.logger.Warn().Int("delivered", ok).Int("pruned", failed).Msg("broadcast pruned dead clients")
		}
	}
}

// Close stops the broadcast loop and disconnects every client. Safe to call
// more than once; BroadcastJSON after Close returns ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.broadcast)
	for cl := range h.clients {
		cl.conn.Close()
		delete(h.clients, cl)
	}
}

// Subscribe upgrades the request, greets the client, then reads frames to
// detect disconnects and answer pings.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	cl := &client{conn: conn}

	clientID := uuid.NewString()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Str("client_id", clientID).Int("clients", count).Msg("websocket client connected")

	welcome, _ := json.Marshal(models.WelcomeMsg{
		Type:        models.MsgWelcome,
		Message:     "connected to prediction engine stream",
		Timestamp:   timefmt.Now(),
		ClientCount: count,
	})
	_ = cl.write(welcome)

	go h.readLoop(cl, clientID)
}

func (h *Hub) readLoop(cl *client, clientID string) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		count := len(h.clients)
		h.mu.Unlock()
		cl.conn.Close()
		h.logger.Info().Str("client_id", clientID).Int("clients", count).Msg("websocket client disconnected")
	}()
	for {
		_, payload, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if isPing(payload) {
			pong, _ := json.Marshal(models.PongMsg{Type: models.MsgPong, Timestamp: timefmt.Now()})
			if err := cl.write(pong); err != nil {
				return
			}
		}
	}
}

// isPing accepts both the bare token and the JSON envelope form.
func isPing(payload []byte) bool {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == models.MsgPing {
		return true
	}
	var env struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(payload, &env) == nil && env.Type == models.MsgPing
}

// BroadcastJSON marshals v and queues it for every connected client. The
// queue never blocks the caller: when it is full the message is dropped and
// counted, keeping the hot path latency-bound.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		h.dropped++
		return nil
	}
}

// Stats is the /stats payload.
type Stats struct {
	Clients          int    `json:"clients"`
	MessagesSent     uint64 `json:"messagesSent"`
	DeliveryFailures uint64 `json:"deliveryFailures"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{Clients: len(h.clients), MessagesSent: h.sent, DeliveryFailures: h.dropped}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
