package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/fitversal/coachchat/internal/session"
	"github.com/gorilla/websocket"
)

const (
	frameSubscribe       = "subscribe"
	frameSubscribed      = "subscribed"
	frameMessageInserted = "message_inserted"
	frameError           = "error"

	pongWait  = 70 * time.Second
	writeWait = 10 * time.Second
)

type frame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// stream keeps one websocket subscribed to a conversation, redialing with backoff
// after the connection drops.
type stream struct {
	backend        *RemoteBackend
	conversationID string
	handler        session.StreamHandler

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// Subscribe opens the realtime stream for a conversation. The first connection is made
// before returning, so an unreachable server or a refused subscription is an error.
func (b *RemoteBackend) Subscribe(
	ctx context.Context,
	_ services.Actor,
	conversationID string,
	handler session.StreamHandler,
) (realtime.Subscription, error) {
	s := &stream{
		backend:        b,
		conversationID: conversationID,
		handler:        handler,
		done:           make(chan struct{}),
	}

	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.setConn(conn)

	go s.run(conn)
	return s, nil
}

func (s *stream) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			_ = conn.Close()
		}
	})
}

func (s *stream) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conn = conn
	return true
}

func (s *stream) run(conn *websocket.Conn) {
	log := s.backend.log.With().Str("conversation_id", s.conversationID).Logger()

	for {
		err := s.readLoop(conn)
		_ = conn.Close()

		select {
		case <-s.done:
			return
		default:
		}

		log.Warn().Err(err).Msg("realtime stream dropped")
		s.notify(false)

		conn = s.redial()
		if conn == nil {
			return
		}
		log.Info().Msg("realtime stream reconnected")
		s.notify(true)
	}
}

func (s *stream) redial() *websocket.Conn {
	backoff := s.backend.minBackoff
	for {
		select {
		case <-s.done:
			return nil
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		conn, err := s.connect(ctx)
		cancel()
		if err == nil {
			if !s.setConn(conn) {
				_ = conn.Close()
				return nil
			}
			return conn
		}

		s.backend.log.Debug().Err(err).Dur("backoff", backoff).Msg("realtime redial failed")
		backoff *= 2
		if backoff > s.backend.maxBackoff {
			backoff = s.backend.maxBackoff
		}
	}
}

// connect dials the websocket and waits for the subscription to be confirmed.
func (s *stream) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.backend.websocketURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.backend.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket handshake status %d", services.ErrForbidden, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial websocket: %w", services.ErrTransient, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	if err := conn.WriteJSON(frame{Type: frameSubscribe, ConversationID: s.conversationID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send subscribe: %w", services.ErrTransient, err)
	}

	for {
		var incoming frame
		if err := conn.ReadJSON(&incoming); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: await subscription: %w", services.ErrTransient, err)
		}
		if incoming.ConversationID != s.conversationID {
			continue
		}
		switch incoming.Type {
		case frameSubscribed:
			_ = conn.SetWriteDeadline(time.Time{})
			return conn, nil
		case frameError:
			_ = conn.Close()
			return nil, subscribeError(incoming.Error)
		case frameMessageInserted:
			s.deliver(incoming)
		}
	}
}

func (s *stream) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var incoming frame
		if err := conn.ReadJSON(&incoming); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch incoming.Type {
		case frameMessageInserted:
			s.deliver(incoming)
		case frameError:
			s.backend.log.Warn().Str("conversation_id", incoming.ConversationID).Str("error", incoming.Error).Msg("realtime error frame")
		}
	}
}

func (s *stream) deliver(incoming frame) {
	if incoming.Message == nil || incoming.Message.ConversationID != s.conversationID || s.handler.OnMessage == nil {
		return
	}
	s.handler.OnMessage(*incoming.Message)
}

func (s *stream) notify(connected bool) {
	if s.handler.OnConnection != nil {
		s.handler.OnConnection(connected)
	}
}

func (b *RemoteBackend) websocketURL() (string, error) {
	parsed, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/v1/ws"

	query := parsed.Query()
	query.Set("token", b.token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func subscribeError(text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "not a participant"):
		return fmt.Errorf("%w: %s", services.ErrForbidden, text)
	case strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", services.ErrNotFound, text)
	default:
		return errors.New("subscribe refused: " + text)
	}
}
