// Package server constructs and starts the chat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"

	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/config"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/protocol"
	"github.com/ZeQ61/message/internal/session"
)

// Deps are the collaborators of a Server.
type Deps struct {
	Config        *config.Config
	Logger        watermill.LoggerAdapter
	Registry      *session.Registry
	Authenticator *auth.Authenticator
	Actions       Actions
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Server is the HTTP front of one chat instance.
type Server struct {
	cfg           *config.Config
	logger        watermill.LoggerAdapter
	registry      *session.Registry
	authenticator *auth.Authenticator
	metrics       *metrics.Metrics
	hub           *Hub
	upgrader      websocket.Upgrader
	httpServer    *http.Server
}

// New builds a server from deps.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("server: config is required")
	case deps.Registry == nil:
		return nil, errors.New("server: session registry is required")
	case deps.Authenticator == nil:
		return nil, errors.New("server: authenticator is required")
	case deps.Actions == nil:
		return nil, errors.New("server: actions are required")
	}

	logger := logging.OrNop(deps.Logger).With(watermill.LogFields{"component": "server"})
	origins := newOriginPolicy(deps.Config.AllowedOrigins, logger)

	s := &Server{
		cfg:           deps.Config,
		logger:        logger,
		registry:      deps.Registry,
		authenticator: deps.Authenticator,
		metrics:       deps.Metrics,
		hub:           NewHub(deps.Config, deps.Registry, deps.Authenticator, deps.Actions, deps.Metrics, deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{protocol.Subprotocol},
			CheckOrigin:     origins.checkOrigin,
		},
	}
	s.httpServer = CreateServer(deps.Config.Port, s.SetupRoutes())
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the hub serving this server's WebSocket clients.
func (s *Server) Hub() *Hub {
	return s.hub
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ListenAndServe starts the HTTP server. It returns nil after a graceful
// shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Server listening", watermill.LogFields{"addr": s.httpServer.Addr, "instance_id": s.cfg.InstanceID})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, then closes every WebSocket client
// and waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("HTTP server shutdown error", err, nil)
		return err
	}
	s.logger.Info("HTTP server shutdown completed", nil)
	return nil
}
