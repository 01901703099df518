package realtime

import (
	"context"
	"sync"

	"github.com/fitversal/coachchat/internal/metrics"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 256

type Handler func(models.Message)

// Subscription stops delivery when Unsubscribe is called. Unsubscribe is safe to call
// more than once.
type Subscription interface {
	Unsubscribe()
}

type Publisher interface {
	Publish(ctx context.Context, message models.Message) error
}

type Channel interface {
	Publisher
	Subscribe(conversationID string, handler Handler, opts ...SubscribeOption) Subscription
}

type SubscribeOption func(*subscriber)

// WithOverflow is called, on its own goroutine, when the subscriber fell so far behind
// that the broker ended its subscription. Events after the last delivered one are lost
// and the subscriber must resubscribe and reload.
func WithOverflow(fn func()) SubscribeOption {
	return func(s *subscriber) { s.onOverflow = fn }
}

// Broker fans message events out to in-process subscribers keyed by conversation id.
// Each subscriber owns a queue and a delivery goroutine, so handlers observe events
// of one conversation in publish order and a slow handler only delays itself.
type Broker struct {
	mu        sync.RWMutex
	topics    map[string]map[*subscriber]struct{}
	queueSize int
	log       zerolog.Logger
}

type subscriber struct {
	broker     *Broker
	topic      string
	handler    Handler
	onOverflow func()
	queue      chan models.Message
	done       chan struct{}
	once       sync.Once
}

func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		topics:    make(map[string]map[*subscriber]struct{}),
		queueSize: defaultQueueSize,
		log:       log,
	}
}

func (b *Broker) Subscribe(conversationID string, handler Handler, opts ...SubscribeOption) Subscription {
	sub := &subscriber{
		broker:  b,
		topic:   conversationID,
		handler: handler,
		queue:   make(chan models.Message, b.queueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	set, ok := b.topics[conversationID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.topics[conversationID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub
}

func (b *Broker) Publish(_ context.Context, message models.Message) error {
	if err := MessageInserted(message).Validate(); err != nil {
		return err
	}

	metrics.RealtimeEvents.WithLabelValues("published").Inc()

	var overflowed []*subscriber

	b.mu.RLock()
	for sub := range b.topics[message.ConversationID] {
		select {
		case sub.queue <- message:
		default:
			metrics.RealtimeEvents.WithLabelValues("dropped").Inc()
			b.log.Warn().
				Str("conversation_id", message.ConversationID).
				Str("message_id", message.ID).
				Msg("subscriber queue full, ending subscription")
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	// cut off overflowed subscribers so the gap surfaces as a disconnect
	for _, sub := range overflowed {
		sub.overflow()
	}
	return nil
}

// SubscriberCount reports live subscriptions on a conversation.
func (b *Broker) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[conversationID])
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.RLock()
	subs := make([]*subscriber, 0)
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(message)
			metrics.RealtimeEvents.WithLabelValues("delivered").Inc()
		}
	}
}

func (s *subscriber) Unsubscribe() {
	s.stop()
}

func (s *subscriber) overflow() {
	if s.stop() && s.onOverflow != nil {
		go s.onOverflow()
	}
}

// stop reports whether this call ended the subscription.
func (s *subscriber) stop() bool {
	stopped := false
	s.once.Do(func() {
		stopped = true
		s.broker.mu.Lock()
		if set, ok := s.broker.topics[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.broker.topics, s.topic)
			}
		}
		s.broker.mu.Unlock()
		close(s.done)
	})
	return stopped
}
