package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/session"
)

func newDetachedClient(t *testing.T, bufferSize int) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.SendBufferSize = bufferSize
	hub := NewHub(cfg, session.NewRegistry(), nil, nil, nil, nil)
	return NewClient(nil, hub, "127.0.0.1:1234", auth.Principal{Name: "alice"})
}

func TestClientSendNeverBlocks(t *testing.T) {
	c := newDetachedClient(t, 2)

	require.NoError(t, c.Send([]byte("1")))
	require.NoError(t, c.Send([]byte("2")))
	assert.ErrorIs(t, c.Send([]byte("3")), errSendBufferFull)

	c.closeWith(1000, "")
	assert.ErrorIs(t, c.Send([]byte("4")), errClientClosed)

	// Queued frames are still drained before the close.
	assert.Equal(t, []byte("1"), <-c.send)
	assert.Equal(t, []byte("2"), <-c.send)
	_, open := <-c.send
	assert.False(t, open)
}

func TestClientCloseKeepsFirstCode(t *testing.T) {
	c := newDetachedClient(t, 1)

	c.setCloseCode(1008, "authentication failed")
	c.closeSend()
	c.closeWith(1001, "server shutting down")

	assert.Equal(t, 1008, c.closeCode)
	assert.Equal(t, "authentication failed", c.closeText)
}

func TestClientSubscriptions(t *testing.T) {
	c := newDetachedClient(t, 1)
	assert.Equal(t, "alice", c.Principal())
	assert.NotEmpty(t, c.ID())

	assert.False(t, c.Subscribed("/topic/status"))
	c.subscribe("/topic/status")
	assert.True(t, c.Subscribed("/topic/status"))
	c.unsubscribe("/topic/status")
	assert.False(t, c.Subscribed("/topic/status"))
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(errors.New("write tcp: use of closed network connection")))
	assert.True(t, isExpectedCloseError(errors.New("websocket: close sent")))
	assert.True(t, isExpectedCloseError(errors.New("write: broken pipe")))
	assert.False(t, isExpectedCloseError(errors.New("unexpected EOF")))
}
