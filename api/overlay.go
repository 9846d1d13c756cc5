package api

import (
	"net/http"
	"sync"
	"time"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientQueue  = 4
	writeTimeout = time.Second
)

type overlayMessage struct {
	State    string          `json:"state"`
	Message  string          `json:"message"`
	Frame    uint64          `json:"frame"`
	Boxes    []boxJSON       `json:"boxes"`
	Primary  *boxJSON        `json:"primary,omitempty"`
	Position *iface.Position `json:"position,omitempty"`
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan overlayMessage
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

type hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	upgrader websocket.Upgrader
}

func newHub() *hub {
	return &hub{
		clients: map[string]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast never blocks; a client whose queue is full misses this overlay.
func (h *hub) broadcast(msg overlayMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[string]*client{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *hub) serve(ctx *gin.Context) {
	conn, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}
	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan overlayMessage, clientQueue),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	logger.Log().Info("overlay client connected", zap.String("id", c.id))

	go h.write(c)
	// Clients only send control frames; reading detects the disconnect.
	conn.SetReadLimit(1024)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c.id)
			logger.Log().Info("overlay client disconnected", zap.String("id", c.id), zap.Error(err))
			return
		}
	}
}

func (h *hub) write(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.remove(c.id)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing"))
}
