package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kite-server/internal/group"
	"kite-server/internal/metrics"
	"kite-server/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

type Client struct {
	Conn   *websocket.Conn
	UserID string
	Send   chan []byte
}

// Message is the frame written to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub tracks one connection per user and delivers group events to the
// users in each event's audience.
type Hub struct {
	clients     map[*Client]bool
	userClients map[string]*Client
	register    chan *Client
	unregister  chan *Client
	mu          sync.RWMutex
	log         *zap.Logger
	upgrader    websocket.Upgrader
	done        chan struct{}
}

// NewHub builds a hub that accepts upgrades from the given origins. With no
// origins configured only same-host browser origins are accepted.
func NewHub(log *zap.Logger, origins ...string) *Hub {
	upgrader := websocket.Upgrader{}
	if len(origins) > 0 {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		log:         log,
		upgrader:    upgrader,
		done:        make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if existing, ok := h.userClients[client.UserID]; ok {
				h.log.Info("user already connected, closing previous connection", zap.String("user_id", client.UserID))
				h.drop(existing)
			}
			h.clients[client] = true
			h.userClients[client.UserID] = client
			metrics.ConnectedClients.Inc()
			h.mu.Unlock()
			h.log.Debug("user connected", zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				h.drop(client)
			}
			h.mu.Unlock()
			h.log.Debug("user disconnected", zap.String("user_id", client.UserID))
		}
	}
}

// drop removes a registered client. Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if h.userClients[client.UserID] == client {
		delete(h.userClients, client.UserID)
	}
	close(client.Send)
	metrics.ConnectedClients.Dec()
}

func (h *Hub) requestUnregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) GetOnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	online := make([]string, 0, len(h.userClients))
	for userID := range h.userClients {
		online = append(online, userID)
	}
	return online
}

func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.userClients[userID]
	return ok
}

// Notify delivers e to every connected user in its audience.
func (h *Hub) Notify(_ context.Context, e group.Event) error {
	data, err := json.Marshal(Message{Type: string(e.Type), Data: e})
	if err != nil {
		return err
	}
	for _, userID := range e.Audience {
		h.SendToUser(userID, data)
	}
	return nil
}

// SendToUser queues a frame for userID. A client whose buffer is full is
// disconnected.
func (h *Hub) SendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.userClients[userID]
	if !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		h.log.Warn("send buffer full, disconnecting", zap.String("user_id", userID))
		go h.requestUnregister(client)
	}
}

// ServeWS upgrades an authenticated request and streams events to it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{Conn: conn, UserID: userID, Send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// readPump only keeps the connection alive; clients do not send commands
// over the socket.
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.requestUnregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket closed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("websocket write failed", zap.String("user_id", c.UserID), zap.Error(err))
				return
			}
			metrics.WebSocketMessages.Inc()
			metrics.WebSocketBytesOut.Add(float64(len(message)))

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
