package bus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPubSubDeliversPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sub := NewRedisSubscriber(client, watermill.NopLogger{})
	t.Cleanup(func() { _ = sub.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	messages, err := sub.Subscribe(ctx, ChannelChat)
	require.NoError(t, err)

	pub := NewRedisPublisher(client, watermill.NopLogger{})
	require.NoError(t, pub.Publish(ChannelChat, message.NewMessage("m1", []byte(`{"x":1}`))))

	select {
	case msg := <-messages:
		assert.JSONEq(t, `{"x":1}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisPublisherClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisPublisher(client, nil)
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish(ChannelChat, message.NewMessage("m1", []byte(`{}`))), errClosed)
}
