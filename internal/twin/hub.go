package twin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Envelope is the frame format of the event stream.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// Hub tracks websocket clients and fans events out to them.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	// Received records every client-to-server frame, for tests.
	receivedMu sync.Mutex
	received   []Envelope
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	mu       sync.Mutex
	channels map[string]struct{}
	cancel   context.CancelFunc
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Serve upgrades r and pumps frames until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:     conn,
		send:     make(chan []byte, clientBuffer),
		channels: make(map[string]struct{}),
		cancel:   cancel,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Int("clients", n).Msg("client connected")

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	cancel()
	conn.Close(websocket.StatusNormalClosure, "")
	h.log.Info().Msg("client disconnected")
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn().Err(err).Msg("bad client frame")
			continue
		}
		h.receivedMu.Lock()
		h.received = append(h.received, env)
		h.receivedMu.Unlock()

		switch env.Event {
		case "join_conversation", "leave_conversation":
			var id string
			if err := json.Unmarshal(env.Data, &id); err != nil || id == "" {
				continue
			}
			c.mu.Lock()
			if env.Event == "join_conversation" {
				c.channels[id] = struct{}{}
			} else {
				delete(c.channels, id)
			}
			c.mu.Unlock()
			h.log.Debug().Str("event", env.Event).Str("conversation", id).Msg("channel")
		case "typing":
			var p typingPayload
			if json.Unmarshal(env.Data, &p) == nil && p.ConversationID != "" {
				h.publish(env.Event, p, func(o *client) bool { return o != c && o.joined(p.ConversationID) })
			}
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) joined(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[id]
	return ok
}

// Broadcast sends an event to every client.
func (h *Hub) Broadcast(event string, data any) {
	h.publish(event, data, nil)
}

// BroadcastRaw sends pre-encoded frame bytes to every client, verbatim.
func (h *Hub) BroadcastRaw(frame []byte) {
	h.deliver(frame, nil)
}

func (h *Hub) publish(event string, data any, filter func(*client) bool) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode event")
		return
	}
	frame, _ := json.Marshal(Envelope{Event: event, Data: payload})
	h.deliver(frame, filter)
}

func (h *Hub) deliver(frame []byte, filter func(*client) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if filter != nil && !filter(c) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Msg("client too slow, dropping connection")
			c.cancel()
		}
	}
}

// DisconnectAll drops every client, simulating a network failure.
func (h *Hub) DisconnectAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.cancel()
	}
	return len(h.clients)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Joined reports whether any client has joined conversationID.
func (h *Hub) Joined(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.joined(conversationID) {
			return true
		}
	}
	return false
}

// Received returns the frames clients have sent so far.
func (h *Hub) Received() []Envelope {
	h.receivedMu.Lock()
	defer h.receivedMu.Unlock()
	return append([]Envelope(nil), h.received...)
}
