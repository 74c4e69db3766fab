package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/ZeQ61/message/internal/config"
)

const outputBuffer = 256

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// closers release resources shared by the pair, after both are closed.
	closers []func() error
}

// Close closes the publisher, the subscriber and any shared resources.
// A publisher that is also the subscriber is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	for _, c := range t.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from the configuration.
type Builder func(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error)

// Registry maps transport names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry holds the built-in transports.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(config.TransportChannel, channelTransport)
	DefaultRegistry.Register(config.TransportNATS, natsTransport)
	DefaultRegistry.Register(config.TransportKafka, kafkaTransport)
	DefaultRegistry.Register(config.TransportRabbitMQ, rabbitTransport)
	DefaultRegistry.Register(config.TransportRedis, redisTransport)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates the transport named by cfg.Bus.Transport.
func (r *Registry) Build(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}
	r.mu.RLock()
	builder, ok := r.builders[cfg.Bus.Transport]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", cfg.Bus.Transport, r.Names())
	}
	return builder(ctx, cfg, logger)
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}

// Constructors of the underlying clients. Tests replace them.
var (
	GoChannelFactory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		return gochannel.NewGoChannel(cfg, logger)
	}
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
	NATSSubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nats.NewSubscriber(cfg, logger)
	}
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}
	AmqpConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AmqpPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
	RedisClientFactory = func(opts *redis.Options) redis.UniversalClient {
		return redis.NewClient(opts)
	}
)

func channelTransport(_ context.Context, _ *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	pubSub := GoChannelFactory(gochannel.Config{OutputChannelBuffer: outputBuffer}, logger)
	return Transport{Publisher: pubSub, Subscriber: pubSub}, nil
}

// natsTransport uses core NATS without queue groups so every instance
// receives every envelope.
func natsTransport(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	marshaler := &nats.NATSMarshaler{}
	options := []natsgo.Option{
		natsgo.Name("chat-" + cfg.InstanceID),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := NATSPublisherFactory(nats.PublisherConfig{
		URL:         cfg.Bus.NATSURL,
		Marshaler:   marshaler,
		NatsOptions: options,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("nats publisher: %w", err)
	}

	subscriber, err := NATSSubscriberFactory(nats.SubscriberConfig{
		URL:         cfg.Bus.NATSURL,
		Unmarshaler: marshaler,
		NatsOptions: options,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, fmt.Errorf("nats subscriber: %w", err)
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// kafkaTransport gives each instance its own consumer group so every
// instance consumes every partition.
func kafkaTransport(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	publisher, err := KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:   cfg.Bus.KafkaBrokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest

	subscriber, err := KafkaSubscriberFactory(kafka.SubscriberConfig{
		Brokers:               cfg.Bus.KafkaBrokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         "chat-" + cfg.InstanceID,
		OverwriteSaramaConfig: saramaConfig,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}
	return Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// rabbitTransport binds one non-durable queue per instance to each fanout exchange.
func rabbitTransport(_ context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	amqpConfig := amqp.NewNonDurablePubSubConfig(
		cfg.Bus.RabbitMQURL,
		amqp.GenerateQueueNameTopicNameWithSuffix("-"+cfg.InstanceID),
	)
	conn, err := AmqpConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.Bus.RabbitMQURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("amqp connection: %w", err)
	}

	publisher, err := AmqpPublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = conn.Close()
		return Transport{}, fmt.Errorf("amqp publisher: %w", err)
	}
	subscriber, err := AmqpSubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return Transport{}, fmt.Errorf("amqp subscriber: %w", err)
	}
	return Transport{Publisher: publisher, Subscriber: subscriber, closers: []func() error{conn.Close}}, nil
}

func redisTransport(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	client := RedisClientFactory(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return Transport{}, fmt.Errorf("redis ping: %w", err)
	}
	return Transport{
		Publisher:  NewRedisPublisher(client, logger),
		Subscriber: NewRedisSubscriber(client, logger),
		closers:    []func() error{client.Close},
	}, nil
}
