package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ZeQ61/message/internal/actions"
	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/directory"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/protocol"
	"github.com/ZeQ61/message/internal/ratelimit"
	"github.com/ZeQ61/message/internal/router"
	"github.com/ZeQ61/message/internal/session"
)

const testOrigin = "http://localhost:8080"

// harness is a single chat instance served over httptest with an in-memory
// directory holding alice, bob and carol.
type harness struct {
	srv      *Server
	http     *httptest.Server
	wsURL    string
	verifier *auth.HMACVerifier
	registry *session.Registry
	dir      *directory.Memory
	chatID   int64
	groupID  int64
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{testOrigin}
	for _, m := range mutate {
		m(cfg)
	}

	dir := directory.NewMemory()
	for _, u := range []string{"alice", "bob", "carol"} {
		dir.AddUser(u)
	}
	chatID := dir.CreateChat("alice", "bob")
	dir.AddFriendship("alice", "bob")
	groupID := dir.CreateGroup("alice", "carol")

	registry := session.NewRegistry()
	promReg := prometheus.NewRegistry()
	m, err := metrics.NewWithRegistry(promReg, promReg)
	require.NoError(t, err)

	store := ratelimit.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	dispatcher, err := actions.NewDispatcher(actions.Options{
		Router:    router.New(registry, nil, nil, m),
		Limiter:   ratelimit.NewLimiter(store, cfg.RateLimit.Capacity, cfg.RateLimit.Window, nil),
		Directory: dir,
		Store:     dir,
		Metrics:   m,
	})
	require.NoError(t, err)

	verifier, err := auth.NewHMACVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTLeeway)
	require.NoError(t, err)

	srv, err := New(Deps{
		Config:        cfg,
		Registry:      registry,
		Authenticator: auth.NewAuthenticator(verifier, dir, cfg.Auth.PublicDestinations, nil),
		Actions:       dispatcher,
		Metrics:       m,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Hub().Shutdown(2 * time.Second) })

	return &harness{
		srv:      srv,
		http:     ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		verifier: verifier,
		registry: registry,
		dir:      dir,
		chatID:   chatID,
		groupID:  groupID,
	}
}

func (h *harness) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := h.verifier.Sign(subject, time.Minute)
	require.NoError(t, err)
	return tok
}

// dial opens a WebSocket to the harness. An Origin header is added unless
// header already carries one.
func (h *harness) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if _, ok := header["Origin"]; !ok {
		header.Set("Origin", testOrigin)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	conn, resp, err := dialer.Dial(h.wsURL, header)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// connect opens a WebSocket and completes the CONNECT handshake as user.
func (h *harness) connect(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn, resp, err := h.dial(t, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	writeFrame(t, conn, protocol.Frame{
		Type:    protocol.FrameConnect,
		Headers: map[string]string{protocol.HeaderAuthorization: "Bearer " + h.token(t, user)},
	})
	f := readFrame(t, conn)
	require.Equal(t, protocol.FrameConnected, f.Type, "handshake failed: %v", f.Headers)
	require.Equal(t, user, f.Header(protocol.HeaderUser))
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	raw, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func sendAction(t *testing.T, conn *websocket.Conn, destination, receipt string, body any) {
	t.Helper()
	raw, err := codec.Marshal(body)
	require.NoError(t, err)
	writeFrame(t, conn, protocol.Frame{
		Type:        protocol.FrameSend,
		Destination: destination,
		Headers:     map[string]string{protocol.HeaderReceipt: receipt},
		Body:        json.RawMessage(raw),
	})
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f protocol.Frame
	require.NoError(t, codec.Unmarshal(raw, &f))
	return f
}

// awaitReceipt reads frames until the RECEIPT or ERROR tied to receipt arrives
// and returns it together with the frames read before it.
func awaitReceipt(t *testing.T, conn *websocket.Conn, receipt string) (protocol.Frame, []protocol.Frame) {
	t.Helper()
	var before []protocol.Frame
	for {
		f := readFrame(t, conn)
		if (f.Type == protocol.FrameReceipt || f.Type == protocol.FrameError) && f.Header(protocol.HeaderReceiptID) == receipt {
			return f, before
		}
		before = append(before, f)
	}
}

// readClose reads until the peer closes the connection and returns the close
// code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}
