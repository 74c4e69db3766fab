package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
)

// Metadata keys set on every published message.
const (
	MetadataSourceInstance = "source_instance_id"
	MetadataMessageType    = "message_type"
)

const defaultPublishTimeout = 2 * time.Second

// Handler consumes an envelope published by another instance.
type Handler func(ctx context.Context, env Envelope) error

// Options configure an Adapter.
type Options struct {
	InstanceID     string
	PublishTimeout time.Duration
	Logger         watermill.LoggerAdapter
	Metrics        *metrics.Metrics
}

// Adapter publishes envelopes on the bus and feeds envelopes from other
// instances to a handler. Envelopes stamped with the local instance id are
// dropped on receipt.
type Adapter struct {
	transport      Transport
	instanceID     string
	publishTimeout time.Duration
	logger         watermill.LoggerAdapter
	metrics        *metrics.Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdapter wraps transport. The adapter owns the transport and closes it on Close.
func NewAdapter(transport Transport, opts Options) (*Adapter, error) {
	if opts.InstanceID == "" {
		return nil, errors.New("bus: instance id is required")
	}
	if transport.Publisher == nil || transport.Subscriber == nil {
		return nil, errors.New("bus: publisher and subscriber are required")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Adapter{
		transport:      transport,
		instanceID:     opts.InstanceID,
		publishTimeout: opts.PublishTimeout,
		logger: logging.OrNop(opts.Logger).With(watermill.LogFields{
			"component":   "bus",
			"instance_id": opts.InstanceID,
		}),
		metrics: opts.Metrics,
	}, nil
}

// InstanceID returns the identifier stamped on published envelopes.
func (a *Adapter) InstanceID() string {
	return a.instanceID
}

// Publish sends env on the channel of its message type. The attempt is
// abandoned after the publish timeout. Failures are logged and returned
// wrapping apperr.ErrBusUnavailable; they are never retried.
func (a *Adapter) Publish(ctx context.Context, env Envelope) error {
	channel, err := env.MessageType.Channel()
	if err != nil {
		return err
	}
	payload, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	msg := message.NewMessage(env.MessageID, payload)
	msg.Metadata.Set(MetadataSourceInstance, env.SourceInstanceID)
	msg.Metadata.Set(MetadataMessageType, string(env.MessageType))

	ctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- a.transport.Publisher.Publish(channel, msg) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	fields := watermill.LogFields{"channel": channel, "message_id": env.MessageID}
	if err != nil {
		a.logger.Error("Publish failed", err, fields)
		a.metrics.BusPublished(channel, metrics.ResultError)
		return fmt.Errorf("publish to %s: %v: %w", channel, err, apperr.ErrBusUnavailable)
	}
	a.logger.Trace("Envelope published", fields)
	a.metrics.BusPublished(channel, metrics.ResultOK)
	return nil
}

// Start subscribes to every bus channel and hands foreign envelopes to
// handler until ctx is cancelled or Close is called. It returns once all
// subscriptions are established.
func (a *Adapter) Start(ctx context.Context, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("bus: adapter already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	streams := make(map[string]<-chan *message.Message, len(channels))
	for _, channel := range Channels() {
		msgs, err := a.transport.Subscriber.Subscribe(ctx, channel)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %v: %w", channel, err, apperr.ErrBusUnavailable)
		}
		streams[channel] = msgs
	}

	a.started = true
	a.cancel = cancel
	for channel, msgs := range streams {
		a.wg.Add(1)
		go a.listen(ctx, channel, msgs, handler)
	}
	a.logger.Info("Bus listeners started", watermill.LogFields{"channels": len(streams)})
	return nil
}

func (a *Adapter) listen(ctx context.Context, channel string, msgs <-chan *message.Message, handler Handler) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			a.receive(ctx, channel, msg, handler)
		}
	}
}

// receive processes one message. Every message is acked: delivery is at most
// once per hop.
func (a *Adapter) receive(ctx context.Context, channel string, msg *message.Message, handler Handler) {
	defer msg.Ack()

	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		a.logger.Error("Dropping undecodable envelope", err, watermill.LogFields{"channel": channel, "uuid": msg.UUID})
		a.metrics.BusReceived(channel, metrics.ResultDecodeError)
		return
	}
	if env.SourceInstanceID == a.instanceID {
		a.metrics.BusReceived(channel, metrics.ResultLoopDropped)
		return
	}

	if err := handler(ctx, env); err != nil {
		a.logger.Error("Envelope handling failed", err, watermill.LogFields{
			"channel":    channel,
			"message_id": env.MessageID,
			"source":     env.SourceInstanceID,
		})
		a.metrics.BusReceived(channel, metrics.ResultError)
		return
	}
	a.metrics.BusReceived(channel, metrics.ResultDelivered)
}

// Close stops the listeners and closes the transport.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	err := a.transport.Close()
	a.wg.Wait()
	return err
}
