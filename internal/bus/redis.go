package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/ZeQ61/message/internal/logging"
)

var errClosed = errors.New("redis pubsub: closed")

// RedisPublisher publishes message payloads with Redis PUBLISH. Metadata is
// not carried.
type RedisPublisher struct {
	client redis.UniversalClient
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

func NewRedisPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		logger: logging.OrNop(logger).With(watermill.LogFields{"pubsub": "redis"}),
	}
}

// Publish implements message.Publisher.
func (p *RedisPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errClosed
	}
	for _, msg := range messages {
		// go-redis only encodes unnamed byte slices.
		if err := p.client.Publish(msg.Context(), topic, []byte(msg.Payload)).Err(); err != nil {
			return fmt.Errorf("publish message %s to %s: %w", msg.UUID, topic, err)
		}
		p.logger.Trace("Message published", watermill.LogFields{"uuid": msg.UUID, "topic": topic})
	}
	return nil
}

// Close implements message.Publisher. The client is owned by the caller.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// RedisSubscriber consumes Redis channels with SUBSCRIBE. Each received
// payload becomes a message that must be acked or nacked before the next one
// is emitted on the same subscription. Nacked messages are not redelivered.
type RedisSubscriber struct {
	client redis.UniversalClient
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewRedisSubscriber(client redis.UniversalClient, logger watermill.LoggerAdapter) *RedisSubscriber {
	return &RedisSubscriber{
		client:  client,
		logger:  logging.OrNop(logger).With(watermill.LogFields{"pubsub": "redis"}),
		closing: make(chan struct{}),
	}
}

// Subscribe implements message.Subscriber. It returns once Redis has
// confirmed the subscription.
func (s *RedisSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errClosed
	default:
	}

	ps := s.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.consume(ctx, topic, ps, out)
	return out, nil
}

func (s *RedisSubscriber) consume(ctx context.Context, topic string, ps *redis.PubSub, out chan<- *message.Message) {
	defer s.wg.Done()
	defer close(out)
	defer func() { _ = ps.Close() }()

	logFields := watermill.LogFields{"topic": topic}
	in := ps.Channel()
	for {
		var received *redis.Message
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			received = m
		}

		msg := message.NewMessage(watermill.NewUUID(), []byte(received.Payload))
		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		select {
		case out <- msg:
		case <-ctx.Done():
			cancel()
			return
		case <-s.closing:
			cancel()
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			s.logger.Debug("Message nacked, dropping", logFields)
		case <-ctx.Done():
			cancel()
			return
		case <-s.closing:
			cancel()
			return
		}
		cancel()
	}
}

// Close implements message.Subscriber. It waits for every subscription to end.
func (s *RedisSubscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
