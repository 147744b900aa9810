package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/mnemo/internal/engine"
)

// FeedHub fans committed engine changes out to websocket subscribers.
// Register Publish with engine.MemoryEngine.OnChange.
type FeedHub struct {
	clients    map[*feedClient]bool
	broadcast  chan engine.Change
	register   chan *feedClient
	unregister chan *feedClient
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc

	originPatterns []string
	logger         *zap.Logger
}

// feedClient is one websocket subscriber. An empty userID receives every
// user's changes.
type feedClient struct {
	hub    *FeedHub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// NewFeedHub creates a hub. originPatterns are passed to websocket.Accept;
// same-origin and Origin-less clients are always accepted.
func NewFeedHub(originPatterns []string, logger *zap.Logger) *FeedHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedHub{
		clients:        make(map[*feedClient]bool),
		broadcast:      make(chan engine.Change, 256),
		register:       make(chan *feedClient),
		unregister:     make(chan *feedClient),
		ctx:            ctx,
		cancel:         cancel,
		originPatterns: originPatterns,
		logger:         logger,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *FeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("feed client connected", zap.String("user_id", client.userID), zap.Int("total", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("feed client disconnected", zap.Int("total", count))

		case change := <-h.broadcast:
			data, err := json.Marshal(change)
			if err != nil {
				h.logger.Error("failed to marshal change", zap.Error(err))
				continue
			}
			// Full lock: slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients {
				if client.userID != "" && client.userID != change.UserID {
					continue
				}
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("dropping slow feed client", zap.String("user_id", client.userID))
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *FeedHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		client.close()
	}
	h.clients = make(map[*feedClient]bool)
	h.mu.Unlock()
}

// Publish queues a change for broadcast without blocking the writer that
// committed it. Changes are dropped when the hub is saturated.
func (h *FeedHub) Publish(change engine.Change) {
	select {
	case h.broadcast <- change:
	default:
		h.logger.Warn("feed broadcast channel full, dropping change",
			zap.String("kind", string(change.Kind)),
			zap.String("user_id", change.UserID))
	}
}

// ClientCount returns the number of connected subscribers.
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FeedHub) add(c *feedClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *FeedHub) remove(c *feedClient) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades GET /v1/feed[?user_id=] to a websocket subscription.
func (h *FeedHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The subscription outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("feed websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		userID: r.URL.Query().Get("user_id"),
	}
	if !h.add(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *feedClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
}

// writePump sends queued changes until the hub closes the send channel.
func (c *feedClient) writePump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(c.hub.ctx, 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()
		if err != nil {
			c.hub.logger.Debug("feed write failed", zap.Error(err))
			return
		}
	}
}

// readPump drains client messages to detect disconnects.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
