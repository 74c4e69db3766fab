// Package protocol defines the JSON frames exchanged with live clients and the
// destinations they address.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/codec"
)

// Subprotocol is negotiated during the WebSocket upgrade.
const Subprotocol = "v1.chat.json"

// FrameType names a frame command.
type FrameType string

// Client to server commands.
const (
	FrameConnect     FrameType = "CONNECT"
	FrameSubscribe   FrameType = "SUBSCRIBE"
	FrameUnsubscribe FrameType = "UNSUBSCRIBE"
	FrameSend        FrameType = "SEND"
	FrameDisconnect  FrameType = "DISCONNECT"
)

// Server to client commands.
const (
	FrameConnected FrameType = "CONNECTED"
	FrameMessage   FrameType = "MESSAGE"
	FrameReceipt   FrameType = "RECEIPT"
	FrameError     FrameType = "ERROR"
)

// Well-known frame headers.
const (
	HeaderAuthorization = "Authorization"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderCode          = "code"
	HeaderMessage       = "message"
	HeaderUser          = "user-name"
	HeaderSession       = "session"
)

// Frame is the unit exchanged over a live connection.
type Frame struct {
	Type        FrameType         `json:"type"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

// Header returns the value of a header, matching the key case-insensitively.
func (f Frame) Header(key string) string {
	if v, ok := f.Headers[key]; ok {
		return v
	}
	for k, v := range f.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// DecodeFrame parses a raw client frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %v: %w", err, apperr.ErrBadRequest)
	}
	switch f.Type {
	case FrameConnect, FrameDisconnect:
	case FrameSubscribe, FrameUnsubscribe, FrameSend:
		if strings.TrimSpace(f.Destination) == "" {
			return Frame{}, fmt.Errorf("%s frame without destination: %w", f.Type, apperr.ErrBadRequest)
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q: %w", f.Type, apperr.ErrBadRequest)
	}
	return f, nil
}

// Encode serializes the frame.
func (f Frame) Encode() ([]byte, error) {
	return codec.Marshal(f)
}

// NewMessageFrame builds a MESSAGE frame carrying body for destination.
func NewMessageFrame(destination string, body json.RawMessage) Frame {
	return Frame{Type: FrameMessage, Destination: destination, Body: body}
}

// NewErrorFrame builds an ERROR frame describing err. The receipt, when set,
// ties the error to the client frame that caused it.
func NewErrorFrame(err error, receipt string) Frame {
	headers := map[string]string{
		HeaderCode:    apperr.Code(err),
		HeaderMessage: err.Error(),
	}
	if receipt != "" {
		headers[HeaderReceiptID] = receipt
	}
	return Frame{Type: FrameError, Headers: headers}
}

// NewReceiptFrame acknowledges a client frame that requested a receipt.
func NewReceiptFrame(receipt string) Frame {
	return Frame{Type: FrameReceipt, Headers: map[string]string{HeaderReceiptID: receipt}}
}

// NewConnectedFrame confirms a completed handshake.
func NewConnectedFrame(principal, sessionID string) Frame {
	return Frame{Type: FrameConnected, Headers: map[string]string{
		HeaderUser:    principal,
		HeaderSession: sessionID,
	}}
}
