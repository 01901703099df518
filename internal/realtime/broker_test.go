package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(id, conversationID string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "coach-1",
		SenderRole:     models.RoleCoach,
		Text:           "Hello",
		CreatedAt:      time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

type collector struct {
	mu       sync.Mutex
	messages []models.Message
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(message models.Message) {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestBrokerDeliversInPublishOrderToAllSubscribers(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	first, second := newCollector(), newCollector()
	broker.Subscribe("conv-1", first.handle)
	broker.Subscribe("conv-1", second.handle)

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, broker.Publish(ctx, testMessage(id, "conv-1")))
	}

	first.wait(t, 3)
	second.wait(t, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, first.ids())
	assert.Equal(t, []string{"m1", "m2", "m3"}, second.ids())
}

func TestBrokerScopesDeliveryToConversation(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	other := newCollector()
	mine := newCollector()
	broker.Subscribe("conv-2", other.handle)
	broker.Subscribe("conv-1", mine.handle)

	require.NoError(t, broker.Publish(context.Background(), testMessage("m1", "conv-1")))
	mine.wait(t, 1)

	select {
	case <-other.notify:
		t.Fatalf("subscriber of another conversation received the event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	c := newCollector()
	sub := broker.Subscribe("conv-1", c.handle)
	require.Equal(t, 1, broker.SubscriberCount("conv-1"))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, broker.SubscriberCount("conv-1"))

	require.NoError(t, broker.Publish(context.Background(), testMessage("m1", "conv-1")))
	select {
	case <-c.notify:
		t.Fatalf("unsubscribed handler received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	err := broker.Publish(context.Background(), models.Message{ConversationID: "conv-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestOverflowEndsSubscriptionInsteadOfDroppingSilently(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	release := make(chan struct{})
	overflowed := make(chan struct{}, 1)
	var (
		mu        sync.Mutex
		delivered int
	)
	broker.Subscribe("conv-1", func(models.Message) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	}, WithOverflow(func() { overflowed <- struct{}{} }))

	ctx := context.Background()
	for i := 0; i < 300; i++ {
		require.NoError(t, broker.Publish(ctx, testMessage(fmt.Sprintf("m%d", i), "conv-1")))
	}

	select {
	case <-overflowed:
	case <-time.After(2 * time.Second):
		t.Fatal("overflow callback was not called")
	}
	assert.Equal(t, 0, broker.SubscriberCount("conv-1"))

	close(release)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, delivered, 1, "an ended subscription kept delivering queued events")
}

func TestOverflowCallbackNotCalledAfterUnsubscribe(t *testing.T) {
	broker := NewBroker(zerolog.Nop())
	defer broker.Close()

	called := make(chan struct{}, 1)
	sub := broker.Subscribe("conv-1", func(models.Message) {}, WithOverflow(func() { called <- struct{}{} }))
	sub.Unsubscribe()

	for i := 0; i < 300; i++ {
		require.NoError(t, broker.Publish(context.Background(), testMessage(fmt.Sprintf("m%d", i), "conv-1")))
	}
	select {
	case <-called:
		t.Fatal("overflow reported for a closed subscription")
	case <-time.After(50 * time.Millisecond):
	}
}
