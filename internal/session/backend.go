package session

import (
	"context"
	"errors"
	"sync"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/services"
)

// StreamHandler receives realtime callbacks for one conversation. Callbacks may run on
// any goroutine.
type StreamHandler struct {
	OnMessage    func(models.Message)
	OnConnection func(connected bool)
}

// Backend is everything a Session needs from the messaging core, in process or remote.
type Backend interface {
	Bootstrap(ctx context.Context, actor services.Actor, counterpartID string, counterpartRole models.Role) (*models.Conversation, error)
	ListMessages(ctx context.Context, actor services.Actor, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error)
	MarkRead(ctx context.Context, actor services.Actor, conversationID string) (int64, error)
	Subscribe(ctx context.Context, actor services.Actor, conversationID string, handler StreamHandler) (realtime.Subscription, error)
	Participant(ctx context.Context, participantID string) (*models.Participant, error)
}

// LocalBackend runs sessions against a ChatService and realtime channel in the same process.
type LocalBackend struct {
	service *services.ChatService
	channel realtime.Channel
}

func NewLocalBackend(service *services.ChatService, channel realtime.Channel) *LocalBackend {
	return &LocalBackend{service: service, channel: channel}
}

func (b *LocalBackend) Bootstrap(
	ctx context.Context,
	actor services.Actor,
	counterpartID string,
	counterpartRole models.Role,
) (*models.Conversation, error) {
	result, err := b.service.BootstrapFor(ctx, actor, counterpartID, counterpartRole)
	if err != nil {
		return nil, err
	}
	return result.Conversation, nil
}

func (b *LocalBackend) ListMessages(ctx context.Context, actor services.Actor, conversationID string) ([]models.Message, error) {
	return b.service.ListMessages(ctx, actor, conversationID)
}

func (b *LocalBackend) SendMessage(ctx context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error) {
	return b.service.SendMessage(ctx, actor, input)
}

func (b *LocalBackend) MarkRead(ctx context.Context, actor services.Actor, conversationID string) (int64, error) {
	return b.service.MarkConversationRead(ctx, actor, conversationID)
}

// Subscribe follows the conversation on the realtime channel. When the channel drops the
// subscription because the handler fell behind, the stream reports a disconnect,
// resubscribes and reports the reconnect so the session reloads history.
func (b *LocalBackend) Subscribe(
	ctx context.Context,
	actor services.Actor,
	conversationID string,
	handler StreamHandler,
) (realtime.Subscription, error) {
	if b.channel == nil {
		return nil, errors.New("realtime channel is not configured")
	}
	if _, err := b.service.Conversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}

	stream := &localStream{channel: b.channel, conversationID: conversationID, handler: handler}
	stream.subscribe()
	return stream, nil
}

type localStream struct {
	channel        realtime.Channel
	conversationID string
	handler        StreamHandler

	mu     sync.Mutex
	sub    realtime.Subscription
	closed bool
}

func (s *localStream) subscribe() {
	onMessage := s.handler.OnMessage
	if onMessage == nil {
		onMessage = func(models.Message) {}
	}
	sub := s.channel.Subscribe(s.conversationID, onMessage, realtime.WithOverflow(s.resubscribe))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Unsubscribe()
		return
	}
	s.sub = sub
}

func (s *localStream) resubscribe() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.notify(false)
	s.subscribe()
	s.notify(true)
}

func (s *localStream) notify(connected bool) {
	if s.handler.OnConnection != nil {
		s.handler.OnConnection(connected)
	}
}

func (s *localStream) Unsubscribe() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (b *LocalBackend) Participant(ctx context.Context, participantID string) (*models.Participant, error) {
	return b.service.GetParticipant(ctx, participantID)
}
