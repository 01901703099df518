package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/fitversal/coachchat/internal/metrics"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/services"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

const (
	FrameSubscribe       = "subscribe"
	FrameUnsubscribe     = "unsubscribe"
	FrameMessage         = "message"
	FrameSubscribed      = "subscribed"
	FrameUnsubscribed    = "unsubscribed"
	FrameMessageInserted = "message_inserted"
	FrameError           = "error"

	sendBuffer   = 64
	pingInterval = 30 * time.Second
	pongWait     = 70 * time.Second
	writeWait    = 10 * time.Second
	opTimeout    = 15 * time.Second
)

// Frame is the JSON envelope exchanged with websocket clients in both directions.
type Frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type sender interface {
	Conversation(ctx context.Context, actor services.Actor, conversationID string) (*models.Conversation, error)
	SendMessage(ctx context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error)
}

// Hub tracks live websocket clients. Each client subscribes to the conversations it
// is a party of on the realtime channel and receives their message_inserted events.
type Hub struct {
	channel    realtime.Channel
	service    sender
	log        zerolog.Logger
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
}

type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	actor services.Actor
	send  chan []byte

	mu     sync.Mutex
	subs   map[string]realtime.Subscription
	closed bool
}

func NewHub(channel realtime.Channel, service sender, log zerolog.Logger) *Hub {
	return &Hub{
		channel:    channel,
		service:    service,
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, actor services.Actor) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		actor: actor,
		send:  make(chan []byte, sendBuffer),
		subs:  make(map[string]realtime.Subscription),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			metrics.WebSocketConnections.Inc()
		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			delete(h.clients, client)
			metrics.WebSocketConnections.Dec()
			client.shutdown()
		case <-h.stop:
			for client := range h.clients {
				client.shutdown()
			}
			metrics.WebSocketConnections.Sub(float64(len(h.clients)))
			h.clients = make(map[*Client]struct{})
			return
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stop:
		client.shutdown()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.HandleFrame(payload)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleFrame processes one inbound client frame.
func (c *Client) HandleFrame(payload []byte) {
	var incoming Frame
	if err := json.Unmarshal(payload, &incoming); err != nil {
		c.writeError("", "invalid message payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch incoming.Type {
	case FrameSubscribe:
		c.subscribe(ctx, incoming.ConversationID)
	case FrameUnsubscribe:
		c.unsubscribe(incoming.ConversationID)
		c.write(Frame{Type: FrameUnsubscribed, ConversationID: incoming.ConversationID})
	case FrameMessage:
		if _, err := c.hub.service.SendMessage(ctx, c.actor, services.SendMessageInput{
			ConversationID: incoming.ConversationID,
			Text:           incoming.Text,
		}); err != nil {
			c.writeError(incoming.ConversationID, frameErrorText(err))
		}
	default:
		c.writeError(incoming.ConversationID, "unsupported message type")
	}
}

func (c *Client) subscribe(ctx context.Context, conversationID string) {
	if _, err := c.hub.service.Conversation(ctx, c.actor, conversationID); err != nil {
		c.writeError(conversationID, frameErrorText(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[conversationID]; !ok {
		c.subs[conversationID] = c.hub.channel.Subscribe(conversationID, c.deliver, realtime.WithOverflow(func() {
			c.hub.log.Warn().Str("user_id", c.actor.ID).Str("conversation_id", conversationID).Msg("realtime subscription overflowed, closing client")
			c.hub.Unregister(c)
		}))
	}
	c.mu.Unlock()

	c.write(Frame{Type: FrameSubscribed, ConversationID: conversationID})
}

func (c *Client) unsubscribe(conversationID string) {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	delete(c.subs, conversationID)
	c.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

func (c *Client) deliver(message models.Message) {
	msg := message
	c.write(Frame{Type: FrameMessageInserted, ConversationID: message.ConversationID, Message: &msg})
}

func (c *Client) writeError(conversationID, text string) {
	c.write(Frame{Type: FrameError, ConversationID: conversationID, Error: text})
}

func (c *Client) write(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.hub.log.Error().Err(err).Str("frame", frame.Type).Msg("encode websocket frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.log.Warn().Str("user_id", c.actor.ID).Msg("websocket send buffer full, closing client")
		go c.hub.Unregister(c)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]realtime.Subscription)
	close(c.send)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func frameErrorText(err error) string {
	switch {
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrInvalidInput):
		return "invalid message"
	case errors.Is(err, services.ErrForbidden):
		return "forbidden"
	case errors.Is(err, services.ErrNotFound):
		return "conversation not found"
	case services.IsTransient(err):
		return "service temporarily unavailable"
	default:
		return "failed to send message"
	}
}
