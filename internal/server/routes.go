// Package server wires HTTP handlers into a ServeMux for the chat server via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. Every route except the WebSocket endpoint passes the
// authentication middleware, which lets the public paths through.
func (s *Server) SetupRoutes() *http.ServeMux {
	protect := s.authenticator.Middleware

	mux := http.NewServeMux()
	mux.Handle("/", protect(http.HandlerFunc(HealthHandler)))
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("/test", protect(http.HandlerFunc(s.TestPageHandler)))
	mux.Handle("/api/info", protect(http.HandlerFunc(s.InfoHandler)))
	if s.cfg.MetricsEnabled {
		mux.Handle("/metrics", protect(s.metrics.Handler()))
	}
	return mux
}
