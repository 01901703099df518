package chatws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	broker *realtime.Broker
	sent   []services.SendMessageInput
}

func (s *stubSender) Conversation(_ context.Context, actor services.Actor, conversationID string) (*models.Conversation, error) {
	switch conversationID {
	case "conv-1":
		if actor.ID != "client-1" && actor.ID != "coach-1" {
			return nil, services.ErrForbidden
		}
		return &models.Conversation{ID: "conv-1", ClientID: "client-1", CounterpartID: "coach-1"}, nil
	default:
		return nil, services.ErrNotFound
	}
}

func (s *stubSender) SendMessage(ctx context.Context, actor services.Actor, input services.SendMessageInput) (*models.Message, error) {
	if input.Text == "" {
		return nil, services.ErrValidation
	}
	if _, err := s.Conversation(ctx, actor, input.ConversationID); err != nil {
		return nil, err
	}
	s.sent = append(s.sent, input)
	message := models.Message{
		ID:             "msg-1",
		ConversationID: input.ConversationID,
		SenderID:       actor.ID,
		SenderRole:     actor.Role,
		Text:           input.Text,
		CreatedAt:      time.Now().UTC(),
	}
	return &message, s.broker.Publish(ctx, message)
}

func newTestClient(t *testing.T, actor services.Actor) (*Client, *stubSender) {
	t.Helper()
	broker := realtime.NewBroker(zerolog.Nop())
	t.Cleanup(broker.Close)
	sender := &stubSender{broker: broker}
	hub := NewHub(broker, sender, zerolog.Nop())
	return NewClient(hub, nil, actor), sender
}

func nextFrame(t *testing.T, client *Client) Frame {
	t.Helper()
	select {
	case payload := <-client.send:
		var frame Frame
		require.NoError(t, json.Unmarshal(payload, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func TestClientSubscribeAndReceive(t *testing.T) {
	client, sender := newTestClient(t, services.Actor{ID: "coach-1", Role: models.RoleCoach})

	client.HandleFrame([]byte(`{"type":"subscribe","conversation_id":"conv-1"}`))
	assert.Equal(t, Frame{Type: FrameSubscribed, ConversationID: "conv-1"}, nextFrame(t, client))

	client.HandleFrame([]byte(`{"type":"message","conversation_id":"conv-1","text":"Hello"}`))
	frame := nextFrame(t, client)
	assert.Equal(t, FrameMessageInserted, frame.Type)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "Hello", frame.Message.Text)
	assert.Equal(t, models.RoleCoach, frame.Message.SenderRole)
	assert.Nil(t, frame.Message.ReadAt)
	assert.Len(t, sender.sent, 1)
}

func TestClientSubscribeRejectsOutsider(t *testing.T) {
	client, _ := newTestClient(t, services.Actor{ID: "client-2", Role: models.RoleClient})

	client.HandleFrame([]byte(`{"type":"subscribe","conversation_id":"conv-1"}`))
	frame := nextFrame(t, client)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, "forbidden", frame.Error)

	client.HandleFrame([]byte(`{"type":"subscribe","conversation_id":"missing"}`))
	assert.Equal(t, "conversation not found", nextFrame(t, client).Error)
}

func TestClientUnsubscribeStopsDelivery(t *testing.T) {
	client, sender := newTestClient(t, services.Actor{ID: "client-1", Role: models.RoleClient})

	client.HandleFrame([]byte(`{"type":"subscribe","conversation_id":"conv-1"}`))
	nextFrame(t, client)
	client.HandleFrame([]byte(`{"type":"unsubscribe","conversation_id":"conv-1"}`))
	assert.Equal(t, FrameUnsubscribed, nextFrame(t, client).Type)
	assert.Equal(t, 0, sender.broker.SubscriberCount("conv-1"))
}

func TestClientRejectsBadFrames(t *testing.T) {
	client, _ := newTestClient(t, services.Actor{ID: "client-1", Role: models.RoleClient})

	client.HandleFrame([]byte(`not json`))
	assert.Equal(t, "invalid message payload", nextFrame(t, client).Error)

	client.HandleFrame([]byte(`{"type":"typing"}`))
	assert.Equal(t, "unsupported message type", nextFrame(t, client).Error)

	client.HandleFrame([]byte(`{"type":"message","conversation_id":"conv-1","text":""}`))
	assert.Equal(t, "invalid message", nextFrame(t, client).Error)
}

func TestClientShutdownIsIdempotent(t *testing.T) {
	client, sender := newTestClient(t, services.Actor{ID: "client-1", Role: models.RoleClient})
	client.HandleFrame([]byte(`{"type":"subscribe","conversation_id":"conv-1"}`))
	nextFrame(t, client)

	client.shutdown()
	client.shutdown()

	_, ok := <-client.send
	assert.False(t, ok)
	assert.Equal(t, 0, sender.broker.SubscriberCount("conv-1"))
	client.writeError("", "ignored after close")
}
