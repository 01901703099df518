package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/fitversal/coachchat/internal/metrics"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "coachchat:conversation:"

func topicChannel(conversationID string) string {
	return channelPrefix + conversationID
}

// RedisRelay extends a local Broker across server instances. Local publishes are
// delivered in-process and mirrored to Redis; events from other instances are
// re-dispatched into the local broker only.
type RedisRelay struct {
	client *redis.Client
	broker *Broker
	origin string
	log    zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisRelay(client *redis.Client, broker *Broker, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client: client,
		broker: broker,
		origin: uuid.NewString(),
		log:    log,
	}
}

// Start subscribes to every conversation channel and begins relaying.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pubsub != nil {
		return nil
	}

	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.pubsub = pubsub
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(runCtx, pubsub.Channel(), r.done)
	return nil
}

func (r *RedisRelay) loop(ctx context.Context, ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding relayed event")
				continue
			}
			if event.Origin == r.origin {
				continue
			}
			metrics.RealtimeEvents.WithLabelValues("relayed").Inc()
			if err := r.broker.Publish(ctx, *event.Message); err != nil {
				r.log.Warn().Err(err).Str("message_id", event.Message.ID).Msg("relay local publish failed")
			}
		}
	}
}

func (r *RedisRelay) Publish(ctx context.Context, message models.Message) error {
	if err := r.broker.Publish(ctx, message); err != nil {
		return err
	}

	event := MessageInserted(message)
	event.Origin = r.origin
	payload, err := EncodeEvent(event)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, topicChannel(message.ConversationID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(conversationID string, handler Handler, opts ...SubscribeOption) Subscription {
	return r.broker.Subscribe(conversationID, handler, opts...)
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, cancel, done := r.pubsub, r.cancel, r.done
	r.pubsub, r.cancel, r.done = nil, nil, nil
	r.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	cancel()
	err := pubsub.Close()
	<-done
	return err
}
