package llmqueue

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koljaschoepe/arasul-jet-sub010/internal/common"
	"github.com/koljaschoepe/arasul-jet-sub010/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub manages WebSocket clients. It broadcasts queue lifecycle events to
// every client and relays per-job stream events to clients that subscribed
// to a job. Slow clients are dropped so the dispatcher never blocks on a
// stuck connection.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan models.QueueEvent
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger

	// subscribe is the queue service's Subscribe, wired after construction.
	subMu     sync.RWMutex
	subscribe func(jobID string, cb func(models.StreamEvent)) (func(), error)
}

// wsClient is one connected WebSocket client with its job subscriptions.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]func()
}

// wsCommand is a client-to-server control frame.
type wsCommand struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	JobID  string `json:"job_id"`
}

// jobFrame wraps a relayed stream event with its job id.
type jobFrame struct {
	Type  string             `json:"type"`
	JobID string             `json:"job_id"`
	Event models.StreamEvent `json:"event"`
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *common.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan models.QueueEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// BindQueue wires the per-job subscription source.
func (h *Hub) BindQueue(subscribe func(jobID string, cb func(models.StreamEvent)) (func(), error)) {
	h.subMu.Lock()
	h.subscribe = subscribe
	h.subMu.Unlock()
}

// Run starts the hub's main event loop. Should be called as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.drop(client)
			h.logger.Debug().Int("clients", h.ClientCount()).Msg("WebSocket client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to marshal queue event")
				continue
			}

			h.mu.RLock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			for _, c := range slow {
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if ok {
		client.unsubscribeAll()
	}
}

// Stop signals the hub's event loop to exit.
func (h *Hub) Stop() {
	select {
	case <-h.done:
		// Already stopped
	default:
		close(h.done)
	}
}

// Broadcast sends a queue event to all connected clients.
func (h *Hub) Broadcast(event models.QueueEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Msg("WebSocket broadcast channel full, dropping event")
	}
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]func()),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleCommand processes a subscribe/unsubscribe control frame.
func (c *wsClient) handleCommand(cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		c.hub.subMu.RLock()
		subscribe := c.hub.subscribe
		c.hub.subMu.RUnlock()
		if subscribe == nil || cmd.JobID == "" {
			return
		}

		c.mu.Lock()
		_, already := c.subs[cmd.JobID]
		c.mu.Unlock()
		if already {
			return
		}

		jobID := cmd.JobID
		unsub, err := subscribe(jobID, func(ev models.StreamEvent) {
			data, err := json.Marshal(jobFrame{Type: "job_event", JobID: jobID, Event: ev})
			if err != nil {
				return
			}
			select {
			case c.send <- data:
			default:
				// Slow client; the queue-level hub loop will reap it.
			}
		})
		if err != nil {
			c.hub.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket job subscribe failed")
			return
		}

		c.mu.Lock()
		c.subs[jobID] = unsub
		c.mu.Unlock()

	case "unsubscribe":
		c.mu.Lock()
		unsub := c.subs[cmd.JobID]
		delete(c.subs, cmd.JobID)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
}

func (c *wsClient) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

// writePump sends messages from the send channel to the WebSocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads control frames from the client and detects close.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		c.handleCommand(cmd)
	}
}
