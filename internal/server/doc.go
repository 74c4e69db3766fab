// Package server implements the HTTP and WebSocket front of a chat instance.
//
// A client upgrades at /ws, completes a CONNECT handshake that binds an
// authenticated principal to the connection, and then exchanges JSON frames:
// SUBSCRIBE and UNSUBSCRIBE for topics, SEND for application actions, and
// DISCONNECT. The hub registers authenticated clients in the session
// registry, where the message router finds them.
package server
