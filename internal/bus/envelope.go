// Package bus carries delivery envelopes between server instances over a
// shared publish/subscribe transport.
package bus

import (
	"fmt"
	"time"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/ids"
)

// MessageType classifies an envelope. The set is closed.
type MessageType string

const (
	TypeChat       MessageType = "CHAT"
	TypeGroup      MessageType = "GROUP"
	TypeStatus     MessageType = "STATUS"
	TypeFriendship MessageType = "FRIENDSHIP"
)

// Fixed bus channels, one per message type.
const (
	ChannelChat       = "chat.messages"
	ChannelGroup      = "chat.group-messages"
	ChannelStatus     = "chat.status"
	ChannelFriendship = "chat.friendship"
)

var channels = map[MessageType]string{
	TypeChat:       ChannelChat,
	TypeGroup:      ChannelGroup,
	TypeStatus:     ChannelStatus,
	TypeFriendship: ChannelFriendship,
}

// Channels returns every bus channel in a stable order.
func Channels() []string {
	return []string{ChannelChat, ChannelGroup, ChannelStatus, ChannelFriendship}
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := channels[t]
	return ok
}

// Channel returns the bus channel that carries envelopes of type t.
func (t MessageType) Channel() (string, error) {
	ch, ok := channels[t]
	if !ok {
		return "", fmt.Errorf("unknown message type %q: %w", string(t), apperr.ErrBadRequest)
	}
	return ch, nil
}

func (t *MessageType) UnmarshalText(text []byte) error {
	v := MessageType(text)
	if !v.Valid() {
		return fmt.Errorf("unknown message type %q", string(text))
	}
	*t = v
	return nil
}

func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown message type %q", string(t))
	}
	return []byte(t), nil
}

// Envelope is the unit published on the bus.
type Envelope struct {
	MessageID        string      `json:"messageId"`
	SourceInstanceID string      `json:"sourceInstanceId"`
	MessageType      MessageType `json:"messageType"`
	Payload          string      `json:"payload"`
	Timestamp        time.Time   `json:"timestamp"`
}

// NewEnvelope wraps payload in an envelope stamped with a fresh id and the
// publishing instance.
func NewEnvelope(instanceID string, messageType MessageType, payload string) Envelope {
	return Envelope{
		MessageID:        ids.NewMessageID(),
		SourceInstanceID: instanceID,
		MessageType:      messageType,
		Payload:          payload,
		Timestamp:        time.Now().UTC(),
	}
}

// DecodeEnvelope parses a received envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %v: %w", err, apperr.ErrBadRequest)
	}
	if env.MessageID == "" || env.SourceInstanceID == "" {
		return Envelope{}, fmt.Errorf("envelope without id or source: %w", apperr.ErrBadRequest)
	}
	return env, nil
}
