package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crash/internal/logger"
	"crash/internal/metrics"
)

const (
	hubBuffer    = 256
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var ErrClientClosed = errors.New("client closed")

type Client struct {
	conn   Conn
	userID string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetUserID records the player after an in-band auth message.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Hub fans events out to every connected client. A client that cannot keep
// up is dropped instead of slowing the others. Under pressure the hub sheds
// tick frames only; round and bet events are always queued, in order.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	qmu   sync.Mutex
	queue [][]byte
	wake  chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		wake:       make(chan struct{}, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			metrics.ConnectedClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedClients.Set(float64(total))
			logger.Debug(ctx).Str("user_id", client.UserID()).Int("total", total).Msg("[WS] client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedClients.Set(float64(total))
			logger.Debug(ctx).Str("user_id", client.UserID()).Int("total", total).Msg("[WS] client disconnected")

		case <-h.wake:
			messages := h.take()
			h.mu.RLock()
			for _, message := range messages {
				for client := range h.clients {
					if !client.offer(message) {
						go h.Unregister(client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish implements Broadcaster. Ticks are superseded by the next one, so
// they are the only events dropped when the hub is saturated.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error(context.Background()).Err(err).Str("type", string(ev.Type)).Msg("[WS] marshal error")
		return
	}
	h.enqueue(data, ev.Type == EventTick)
}

// Broadcast queues any JSON-encodable message for every client and drops it
// when the hub is saturated.
func (h *Hub) Broadcast(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		logger.Error(context.Background()).Err(err).Msg("[WS] marshal error")
		return
	}
	h.enqueue(data, true)
}

// enqueue never blocks. Past hubBuffer waiting messages, droppable ones are
// refused; the rest still queue.
func (h *Hub) enqueue(data []byte, droppable bool) {
	select {
	case <-h.done:
		return
	default:
	}

	h.qmu.Lock()
	if droppable && len(h.queue) >= hubBuffer {
		h.qmu.Unlock()
		logger.Warn(context.Background()).Msg("[WS] broadcast queue full, dropping message")
		return
	}
	h.queue = append(h.queue, data)
	h.qmu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) take() [][]byte {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	out := h.queue
	h.queue = nil
	return out
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient wraps conn; the caller starts WritePump and registers it.
func NewClient(conn Conn, userID string) *Client {
	return &Client{conn: conn, userID: userID, send: make(chan []byte, clientBuffer)}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Send queues a message for this client only.
func (c *Client) Send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// SendInitialState gives a fresh connection the round as it stands.
func (c *Client) SendInitialState(view *RoundView, now time.Time) error {
	if view == nil {
		return nil
	}
	return c.Send(NewEvent(view.RoundID, now, InitialState{Round: view}))
}

// WritePump owns all writes to the connection and returns when the client is
// closed or a write fails.
func (c *Client) WritePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug(context.Background()).Err(err).Str("user_id", c.UserID()).Msg("[WS] write error")
			return
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.conn.Close()
}
