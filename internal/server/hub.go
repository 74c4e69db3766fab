// Package server coordinates client lifecycle for the chat WebSocket endpoint
// via the Hub type: registration in the session registry, presence changes,
// and connection cleanup on shutdown.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"

	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/session"
)

// Actions is the application layer a client talks to after the handshake.
type Actions interface {
	Dispatch(ctx context.Context, principal, destination string, body json.RawMessage) error
	AuthorizeSubscribe(ctx context.Context, principal, destination string) error
	PresenceChanged(ctx context.Context, principal string, online bool) error
}

// Hub tracks every WebSocket client served by this process. Delivery does not
// pass through the hub: the router reaches clients through the session
// registry.
type Hub struct {
	cfg           *config.Config
	registry      *session.Registry
	authenticator *auth.Authenticator
	actions       Actions
	metrics       *metrics.Metrics
	logger        watermill.LoggerAdapter

	clients map[*Client]struct{}
	mutex   sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub creates a hub serving clients with the given collaborators.
func NewHub(cfg *config.Config, registry *session.Registry, authenticator *auth.Authenticator, actions Actions, m *metrics.Metrics, logger watermill.LoggerAdapter) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:           cfg,
		registry:      registry,
		authenticator: authenticator,
		actions:       actions,
		metrics:       m,
		logger:        logging.OrNop(logger).With(watermill.LogFields{"component": "hub"}),
		clients:       make(map[*Client]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// serve starts the pumps of a freshly upgraded client. It reports false when
// the hub is shutting down and the client was closed instead.
func (h *Hub) serve(client *Client) bool {
	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
		client.writePump()
		return false
	}
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.wg.Add(2)
	h.mutex.Unlock()

	h.logger.Debug("Client connected", watermill.LogFields{"remote_addr": client.addr, "clients": clientCount})

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		defer h.forget(client)
		client.readPump(h.ctx)
	}()
	return true
}

func (h *Hub) forget(client *Client) {
	h.mutex.Lock()
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.logger.Debug("Client disconnected", watermill.LogFields{"remote_addr": client.addr, "clients": clientCount})
}

// attach registers an authenticated client. The first session of a principal
// announces it online.
func (h *Hub) attach(client *Client) {
	first := h.registry.Register(client.Principal(), client)
	h.metrics.SessionOpened()
	h.logger.Info("Session registered", watermill.LogFields{
		"principal": client.Principal(),
		"conn_id":   client.ID(),
		"first":     first,
	})
	if first {
		h.presence(client.Principal(), true)
	}
}

// detach unregisters a client. The last session of a principal announces it
// offline.
func (h *Hub) detach(client *Client) {
	sess, last, ok := h.registry.Unregister(client.ID())
	if !ok {
		return
	}
	h.metrics.SessionClosed()
	h.logger.Info("Session unregistered", watermill.LogFields{
		"principal": sess.Principal,
		"conn_id":   sess.ID,
		"last":      last,
	})
	if last {
		h.presence(sess.Principal, false)
	}
}

func (h *Hub) presence(principal string, online bool) {
	if h.actions == nil {
		return
	}
	// Presence must still go out while the hub drains on shutdown.
	ctx := context.WithoutCancel(h.ctx)
	if err := h.actions.PresenceChanged(ctx, principal, online); err != nil {
		h.logger.Error("Error announcing presence", err, watermill.LogFields{"principal": principal, "online": online})
	}
}

// ClientCount returns the number of open WebSocket connections, including
// those still in the handshake.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client with a going-away close frame and waits for all
// pumps to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown", nil)

	h.mutex.Lock()
	h.cancel()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info("Closing client connections", watermill.LogFields{"clients": len(clients)})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed", nil)
		return nil
	case <-time.After(timeout):
		h.logger.Info("Hub shutdown timeout reached, some connections may still be open", nil)
		return context.DeadlineExceeded
	}
}
