package services

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Event types published on the hub.
const (
	EventRecordUpdated = "record.updated"
	EventPong          = "pong"
)

// Client represents a connected WebSocket subscriber
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	Subject string
}

// Event is the message format sent to subscribers
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	User string `json:"user,omitempty"`
}

// NewClient wraps an upgraded connection for the given subject.
func (h *Hub) NewClient(conn *websocket.Conn, subject string) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		Subject: subject,
	}
}

// ReadPump reads from the connection until it fails, answering pings.
// Subscribers do not publish, so any other message is dropped.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Warn("WebSocket error")
			}
			break
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.hub.log.WithError(err).Debug("Error unmarshalling WebSocket message")
			continue
		}

		if ev.Type == "ping" {
			pong, err := json.Marshal(Event{
				Type: EventPong,
				Data: map[string]string{"timestamp": time.Now().Format(time.RFC3339)},
			})
			if err == nil {
				c.hub.sendTo(c, pong)
			}
			continue
		}

		c.hub.log.WithFields(logrus.Fields{"subject": c.Subject, "type": ev.Type}).Debug("Ignoring subscriber message")
	}
}

// WritePump pumps messages from the hub to the WebSocket connection. Events
// queued while a frame is being written go out in the same frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeFrame(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeFrame(first []byte) error {
	batch := [][]byte{first}
	for n := len(c.send); n > 0; n-- {
		batch = append(batch, <-c.send)
	}
	return c.conn.WriteMessage(websocket.TextMessage, JoinFrame(batch))
}

// JoinFrame packs several events into one text frame, one per line.
func JoinFrame(events [][]byte) []byte {
	return bytes.Join(events, frameSeparator)
}

// SplitFrame is the inverse of JoinFrame. Blank lines are skipped.
func SplitFrame(frame []byte) [][]byte {
	var events [][]byte
	for _, line := range bytes.Split(frame, frameSeparator) {
		if len(bytes.TrimSpace(line)) > 0 {
			events = append(events, line)
		}
	}
	return events
}

var frameSeparator = []byte("\n")

// Hub maintains the set of active subscribers and fans events out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan outbound
	count      chan chan int
	done       chan struct{}
	log        logrus.FieldLogger
}

// NewHub creates a new hub instance
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan outbound),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		log:        log.WithField("component", "hub"),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish sends an event to every subscriber. It is a no-op once the hub
// has stopped.
func (h *Hub) Publish(eventType string, data any) {
	message, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		h.log.WithError(err).Error("Error marshalling event")
		return
	}

	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

type outbound struct {
	client  *Client
	message []byte
}

// sendTo queues a message for one client. The hub loop owns client.send, so
// the message is dropped if the client is already gone.
func (h *Hub) sendTo(client *Client, message []byte) {
	select {
	case h.direct <- outbound{client: client, message: message}:
	case <-h.done:
	}
}

// ClientCount returns the number of registered subscribers.
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled, closing
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.WithField("subject", client.Subject).Info("Client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.WithField("subject", client.Subject).Info("Client disconnected")
			}
		case out := <-h.direct:
			if h.clients[out.client] {
				select {
				case out.client.send <- out.message:
				default:
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client's send buffer is full, assume disconnected
					h.log.WithField("subject", client.Subject).Warn("Client send buffer full, removing client")
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}
