// Package server manages individual WebSocket clients, handling the frame
// handshake, read/write pumps, frame throttling, and lifecycle control for
// each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/ids"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/protocol"
	"github.com/ZeQ61/message/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one live WebSocket connection. It implements session.Conn once the
// handshake has bound a principal to it.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	addr   string
	send   chan []byte
	logger watermill.LoggerAdapter

	maxMessageSize   int64
	handshakeTimeout time.Duration
	throttle         *ratelimit.TokenBucket

	// principal is written once before the client is registered and read-only
	// afterwards.
	principal string
	preAuth   bool
	attached  bool

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	subsMu        sync.RWMutex
	subscriptions map[string]struct{}
}

// NewClient creates a client for conn. When principal is non-empty the
// connection was authenticated at upgrade time and the CONNECT frame only
// completes the handshake.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, principal auth.Principal) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := ids.NewConnectionID()
	return &Client{
		id:               id,
		conn:             conn,
		hub:              hub,
		addr:             addr,
		send:             make(chan []byte, cfg.SendBufferSize),
		logger:           hub.logger.With(watermill.LogFields{"conn_id": id, "remote_addr": addr}),
		maxMessageSize:   cfg.MaxMessageSize,
		handshakeTimeout: cfg.Auth.HandshakeTimeout,
		throttle:         ratelimit.NewTokenBucket(cfg.FrameBurst, cfg.FrameInterval),
		principal:        principal.Name,
		preAuth:          principal.Name != "",
		closeCode:        websocket.CloseNormalClosure,
		subscriptions:    make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Principal returns the authenticated principal bound to the connection.
func (c *Client) Principal() string { return c.principal }

// Send enqueues an encoded frame. It never blocks: a full buffer or a closed
// client is reported as an error and the frame is dropped.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Subscribed reports whether the client subscribed to destination.
func (c *Client) Subscribed(destination string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subscriptions[destination]
	return ok
}

func (c *Client) subscribe(destination string) {
	c.subsMu.Lock()
	c.subscriptions[destination] = struct{}{}
	c.subsMu.Unlock()
}

func (c *Client) unsubscribe(destination string) {
	c.subsMu.Lock()
	delete(c.subscriptions, destination)
	c.subsMu.Unlock()
}

// closeWith stops the outgoing queue. The write pump sends a close message
// carrying code and text, then closes the connection.
func (c *Client) closeWith(code int, text string) {
	c.setCloseCode(code, text)
	c.closeSend()
}

// closeSend stops the outgoing queue keeping the close code recorded so far.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) closeMessage() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeText)
}

// sendFrame encodes and enqueues a control frame for this client only.
func (c *Client) sendFrame(f protocol.Frame) {
	raw, err := f.Encode()
	if err != nil {
		c.logger.Error("Error encoding frame", err, watermill.LogFields{"type": string(f.Type)})
		return
	}
	if err := c.Send(raw); err != nil {
		c.logger.Debug("Dropping frame", watermill.LogFields{"type": string(f.Type), "reason": err.Error()})
	}
}

func (c *Client) sendError(err error, receipt string) {
	c.sendFrame(protocol.NewErrorFrame(err, receipt))
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Error setting read deadline", err, nil)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("Error setting read deadline in pong handler", err, nil)
		}
		return nil
	})
}

// handleReadError logs the read failure according to its kind.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Info("Frame exceeded maximum size", watermill.LogFields{"max_bytes": c.maxMessageSize})
		c.setCloseCode(websocket.CloseMessageTooBig, "frame too large")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("Client disconnected", watermill.LogFields{"reason": err.Error()})
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed", watermill.LogFields{"reason": err.Error()})
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Info("Unexpected WebSocket close", watermill.LogFields{"reason": err.Error()})
	default:
		c.logger.Info("WebSocket read error", watermill.LogFields{"reason": err.Error()})
	}
}

func (c *Client) setCloseCode(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closeCode = code
		c.closeText = text
	}
}

// handshake waits for the CONNECT frame and binds the principal. It reports
// whether the connection may proceed.
func (c *Client) handshake(ctx context.Context) bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		c.logger.Error("Error setting handshake deadline", err, nil)
		return false
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.logger.Info("Handshake timed out", nil)
			c.hub.metrics.Handshake(metrics.ResultRejected)
			c.setCloseCode(websocket.ClosePolicyViolation, "handshake timeout")
			return false
		}
		c.handleReadError(err)
		return false
	}

	frame, err := protocol.DecodeFrame(raw)
	if err == nil && frame.Type != protocol.FrameConnect {
		err = fmt.Errorf("%w: got %s", errHandshakeNeeded, frame.Type)
	}
	if err == nil && !c.preAuth {
		var p auth.Principal
		p, err = c.hub.authenticator.Authenticate(ctx, auth.Credentials{Frame: &frame})
		c.principal = p.Name
	}
	if err != nil {
		c.logger.Info("Handshake rejected", watermill.LogFields{"reason": err.Error()})
		c.hub.metrics.Handshake(metrics.ResultRejected)
		if !errors.Is(err, apperr.ErrAuthentication) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrAuthentication)
		}
		c.sendError(err, frame.Header(protocol.HeaderReceipt))
		c.setCloseCode(websocket.ClosePolicyViolation, "authentication failed")
		return false
	}

	c.hub.attach(c)
	c.attached = true
	c.hub.metrics.Handshake(metrics.ResultOK)
	c.sendFrame(protocol.NewConnectedFrame(c.principal, c.id))
	return true
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.attached {
			c.hub.detach(c)
		}
		c.closeSend()
	}()

	if !c.handshake(ctx) {
		return
	}
	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.throttle.Allow() {
			c.logger.Info("Frame throttle exceeded; discarding frame", nil)
			continue
		}

		if !c.handleFrame(ctx, raw) {
			return
		}
	}
}

// handleFrame processes one client frame and returns false when the client
// asked to disconnect.
func (c *Client) handleFrame(ctx context.Context, raw []byte) bool {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		c.logger.Debug("Invalid frame", watermill.LogFields{"reason": err.Error()})
		c.sendError(err, "")
		return true
	}
	receipt := frame.Header(protocol.HeaderReceipt)

	switch frame.Type {
	case protocol.FrameConnect:
		err = fmt.Errorf("already connected: %w", apperr.ErrBadRequest)
	case protocol.FrameSubscribe:
		if err = c.hub.actions.AuthorizeSubscribe(ctx, c.principal, frame.Destination); err == nil {
			c.subscribe(frame.Destination)
		}
	case protocol.FrameUnsubscribe:
		c.unsubscribe(frame.Destination)
	case protocol.FrameSend:
		if !protocol.IsApplication(frame.Destination) {
			err = fmt.Errorf("cannot send to %q: %w", frame.Destination, apperr.ErrBadRequest)
			break
		}
		err = c.hub.actions.Dispatch(ctx, c.principal, frame.Destination, frame.Body)
	case protocol.FrameDisconnect:
		if receipt != "" {
			c.sendFrame(protocol.NewReceiptFrame(receipt))
		}
		return false
	}

	switch {
	case err != nil && apperr.ReportToOrigin(err):
		c.logger.Debug("Frame rejected", watermill.LogFields{
			"type":        string(frame.Type),
			"destination": frame.Destination,
			"reason":      err.Error(),
		})
		c.sendError(err, receipt)
	case err != nil:
		c.logger.Info("Action completed with fan-out failure", watermill.LogFields{"reason": err.Error()})
	case receipt != "":
		c.sendFrame(protocol.NewReceiptFrame(receipt))
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Error("Error closing connection", err, nil)
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error("Error setting write deadline", err, nil)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	// Each frame is its own WebSocket message so clients can parse it whole.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Info("Error writing frame", watermill.LogFields{"reason": err.Error()})
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, c.closeMessage()); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error writing close message", watermill.LogFields{"reason": err.Error()})
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error("Error setting write deadline for ping", err, nil)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Info("Error writing ping", watermill.LogFields{"reason": err.Error()})
		return false
	}
	return true
}
