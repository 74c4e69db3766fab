package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/protocol"
)

const (
	testSecret = "shared-secret"
	testOrigin = "http://localhost:8080"
	testChatID = 7
)

const seedJSON = `{
  "users": ["alice", "bob", "carol"],
  "friendships": [["alice", "bob"]],
  "chats": [{"id": 7, "participants": ["alice", "bob"]}],
  "groups": [{"id": 3, "members": ["alice", "carol"]}]
}`

type instance struct {
	app   *App
	wsURL string
}

func writeSeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(seedJSON), 0o600))
	return path
}

func newConfig(t *testing.T, instanceID string, extra map[string]string) *config.Config {
	t.Helper()
	environ := map[string]string{
		"JWT_SECRET":      testSecret,
		"INSTANCE_ID":     instanceID,
		"ALLOWED_ORIGINS": testOrigin,
		"DIRECTORY_SEED":  writeSeed(t),
	}
	for k, v := range extra {
		environ[k] = v
	}
	cfg, err := config.LoadFrom(environ)
	require.NoError(t, err)
	return cfg
}

func startInstance(t *testing.T, cfg *config.Config) *instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = a.Close(shutdownCtx)
	})
	return &instance{app: a, wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

// startCluster runs two instances sharing one Redis for the bus and the
// rate limit counters.
func startCluster(t *testing.T) (*instance, *instance) {
	t.Helper()
	mr := miniredis.RunT(t)
	shared := map[string]string{
		"BUS_TRANSPORT":    config.TransportRedis,
		"RATE_LIMIT_STORE": config.StoreRedis,
		"REDIS_ADDR":       mr.Addr(),
	}
	return startInstance(t, newConfig(t, "instance-a", shared)), startInstance(t, newConfig(t, "instance-b", shared))
}

func (in *instance) connect(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	verifier, err := auth.NewHMACVerifier(testSecret, 0)
	require.NoError(t, err)
	token, err := verifier.Sign(user, time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(in.wsURL, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	writeFrame(t, conn, protocol.Frame{Type: protocol.FrameConnect})
	require.Equal(t, protocol.FrameConnected, readFrame(t, conn).Type)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	raw, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, codec.Unmarshal(raw, &f))
	return f
}

func assertSilent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame %s", raw)
}

func sendChat(t *testing.T, conn *websocket.Conn, receipt, content string) protocol.Frame {
	t.Helper()
	body, err := codec.Marshal(protocol.ChatMessage{ChatID: testChatID, Content: content})
	require.NoError(t, err)
	writeFrame(t, conn, protocol.Frame{
		Type:        protocol.FrameSend,
		Destination: protocol.ActionChatSend,
		Headers:     map[string]string{protocol.HeaderReceipt: receipt},
		Body:        body,
	})
	for {
		f := readFrame(t, conn)
		if f.Header(protocol.HeaderReceiptID) == receipt {
			return f
		}
	}
}

func TestChatCrossesInstancesExactlyOnce(t *testing.T) {
	a, b := startCluster(t)
	alice := a.connect(t, "alice")
	bobOnA := a.connect(t, "bob")
	bobOnB := b.connect(t, "bob")

	f := sendChat(t, alice, "s1", "hello from A")
	require.Equal(t, protocol.FrameReceipt, f.Type, "%v", f.Headers)

	for _, conn := range []*websocket.Conn{bobOnA, bobOnB} {
		got := readFrame(t, conn)
		assert.Equal(t, protocol.FrameMessage, got.Type)
		assert.Equal(t, protocol.QueueMessages, got.Destination)
		var msg protocol.ChatMessage
		require.NoError(t, codec.Unmarshal(got.Body, &msg))
		assert.Equal(t, "hello from A", msg.Content)
		assert.Equal(t, "alice", msg.SenderUsername)
		assertSilent(t, conn)
	}
}

func TestPresenceCrossesInstances(t *testing.T) {
	a, b := startCluster(t)
	carol := b.connect(t, "carol")
	writeFrame(t, carol, protocol.Frame{
		Type:        protocol.FrameSubscribe,
		Destination: protocol.TopicStatus,
		Headers:     map[string]string{protocol.HeaderReceipt: "sub"},
	})
	require.Equal(t, protocol.FrameReceipt, readFrame(t, carol).Type)

	a.connect(t, "alice")

	got := readFrame(t, carol)
	assert.Equal(t, protocol.TopicStatus, got.Destination)
	var status protocol.StatusMessage
	require.NoError(t, codec.Unmarshal(got.Body, &status))
	assert.Equal(t, "alice", status.Username)
	assert.True(t, status.Online)
}

func TestRateLimitSharedAcrossInstances(t *testing.T) {
	a, b := startCluster(t)
	aliceOnA := a.connect(t, "alice")
	aliceOnB := b.connect(t, "alice")

	for i := 1; i <= 60; i++ {
		conn := aliceOnA
		if i%2 == 0 {
			conn = aliceOnB
		}
		f := sendChat(t, conn, fmt.Sprintf("s%d", i), "ping")
		require.Equal(t, protocol.FrameReceipt, f.Type, "send %d: %v", i, f.Headers)
	}

	for _, conn := range []*websocket.Conn{aliceOnA, aliceOnB} {
		f := sendChat(t, conn, "over", "ping")
		assert.Equal(t, protocol.FrameError, f.Type)
		assert.Equal(t, apperr.CodeRateLimited, f.Header(protocol.HeaderCode))
	}
}

func TestSingleInstanceWithDefaults(t *testing.T) {
	in := startInstance(t, newConfig(t, "solo", nil))
	assert.Equal(t, []string{"alice", "bob", "carol"}, in.app.Directory().Users())

	in.connect(t, "alice")
	assert.Equal(t, 1, in.app.Registry().Count())
}

func TestNewFailures(t *testing.T) {
	t.Run("missing seed", func(t *testing.T) {
		cfg := newConfig(t, "x", nil)
		cfg.DirectorySeed = filepath.Join(t.TempDir(), "absent.json")
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "directory seed")
	})

	t.Run("unreachable redis limiter", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := newConfig(t, "x", map[string]string{"RATE_LIMIT_STORE": config.StoreRedis, "REDIS_ADDR": addr})
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "rate limit store")
	})

	t.Run("unreachable redis bus", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := newConfig(t, "x", map[string]string{"BUS_TRANSPORT": config.TransportRedis, "REDIS_ADDR": addr})
		_, err := New(context.Background(), cfg, nil)
		assert.ErrorContains(t, err, "bus transport")
	})
}
