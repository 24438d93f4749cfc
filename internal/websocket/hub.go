// Package websocket pushes aggregate state changes to connected UI
// clients. Each client chooses full-snapshot or diff delivery at
// connect time; both forms of an event are marshaled once and fanned
// out, so a slow client only ever costs its own buffered channel.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/backwatch/backwatch/internal/models"
	"github.com/backwatch/backwatch/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin UI plus reverse proxies; token auth guards the
		// mutating endpoints, the state feed is read-only.
		return true
	},
}

// Mode selects what a client receives per change event.
type Mode string

const (
	// ModeFull delivers the complete aggregate state on every change.
	ModeFull Mode = "full"
	// ModeDiff delivers added/removed/changed guest keys only.
	ModeDiff Mode = "diff"
)

// Message is the wire frame for everything the hub sends or receives.
type Message struct {
	Type       string      `json:"type"`
	EventID    string      `json:"eventId,omitempty"`
	Generation uint64      `json:"generation,omitempty"`
	Data       interface{} `json:"data,omitempty"`
}

// Client is one connected subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	mode Mode
}

// Hub maintains the client set and fans events out.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	events     chan notify.Event
	getState   func() *models.AggregateState

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub builds a hub. getState supplies the snapshot sent to each
// client on connect and on request.
func NewHub(getState func() *models.AggregateState) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan notify.Event, 64),
		getState:   getState,
		clients:    make(map[*Client]bool),
	}
}

// Deliver queues a change event for broadcast. Implements notify.Sink.
// Events arrive in generation order and the single hub loop preserves
// that order per client. When the queue is full the oldest event is
// shed instead of the newest: clients must converge on the latest
// generation, intermediate ones are expendable.
func (h *Hub) Deliver(event notify.Event) {
	for {
		select {
		case h.events <- event:
			return
		default:
		}
		select {
		case dropped := <-h.events:
			log.Warn().Uint64("generation", dropped.Generation).Msg("Event queue full, shedding oldest broadcast")
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run processes registrations and broadcasts until ctx is cancelled,
// then disconnects every client. Start once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Str("mode", string(client.mode)).Msg("Client connected")
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.removeClient(client)
			log.Info().Str("client", client.id).Msg("Client disconnected")

		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.Close()
	}
	log.Info().Int("clients", len(clients)).Msg("Websocket hub stopped")
}

func (h *Hub) sendInitialState(client *Client) {
	if h.getState == nil {
		return
	}
	state := h.getState()
	data, err := json.Marshal(Message{
		Type:       "state",
		Generation: state.Generation,
		Data:       state,
	})
	if err != nil {
		log.Error().Err(err).Str("client", client.id).Msg("Cannot marshal initial state")
		return
	}
	select {
	case client.send <- data:
	default:
		log.Warn().Str("client", client.id).Msg("Send buffer full, skipping initial state")
	}
}

// broadcast marshals both event forms once and routes by client mode.
func (h *Hub) broadcast(event notify.Event) {
	full, err := json.Marshal(Message{
		Type:       "state",
		EventID:    event.ID,
		Generation: event.Generation,
		Data:       event.State,
	})
	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal state event")
		return
	}
	diff, err := json.Marshal(Message{
		Type:       "diff",
		EventID:    event.ID,
		Generation: event.Generation,
		Data:       event.Diff,
	})
	if err != nil {
		log.Error().Err(err).Msg("Cannot marshal diff event")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		payload := full
		if client.mode == ModeDiff {
			payload = diff
		}
		select {
		case client.send <- payload:
		default:
			// Buffer full: the client is too slow to keep generation
			// order, so it is dropped and must reconnect for a fresh
			// snapshot.
			h.removeClient(client)
			log.Warn().Str("client", client.id).Msg("Client too slow, disconnecting")
		}
	}
}

// Handle upgrades an HTTP request to a subscriber connection. The
// optional ?mode=diff query switches the client to diff delivery.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	mode := ModeFull
	if r.URL.Query().Get("mode") == string(ModeDiff) {
		mode = ModeDiff
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.New().String(),
		mode: mode,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		// The hub loop handles the unregister when it is still
		// running; after shutdown the client removes itself.
		select {
		case c.hub.unregister <- c:
		default:
			c.hub.removeClient(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case "ping":
			if data, err := json.Marshal(Message{Type: "pong"}); err == nil {
				c.trySend(data)
			}
		case "requestState":
			if c.hub.getState == nil {
				continue
			}
			state := c.hub.getState()
			if data, err := json.Marshal(Message{Type: "state", Generation: state.Generation, Data: state}); err == nil {
				c.trySend(data)
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled client message")
		}
	}
}

func (c *Client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
