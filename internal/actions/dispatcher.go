// Package actions implements the client actions addressed to /app
// destinations. Each action checks the caller's entitlement and hands the
// resulting message to the router.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/bus"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/protocol"
	"github.com/ZeQ61/message/internal/ratelimit"
	"github.com/ZeQ61/message/internal/router"
)

// Directory answers entitlement questions. Unknown chats and groups are
// reported with errors wrapping apperr.ErrNotFound.
type Directory interface {
	ChatParticipants(ctx context.Context, chatID int64) ([]string, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	IsGroupMember(ctx context.Context, groupID int64, username string) (bool, error)
}

// MessageStore persists chat and group messages before they are delivered.
type MessageStore interface {
	SaveChatMessage(ctx context.Context, msg protocol.ChatMessage) (protocol.ChatMessage, error)
	SaveGroupMessage(ctx context.Context, msg protocol.GroupMessage) (protocol.GroupMessage, error)
}

// Router is the delivery surface used by actions.
type Router interface {
	DeliverToUser(ctx context.Context, principal string, msg router.Message) error
	DeliverToGroup(ctx context.Context, groupID int64, msg router.Message) error
	Broadcast(ctx context.Context, msg router.Message) error
}

// Limiter gates actions per principal.
type Limiter interface {
	Allow(ctx context.Context, principal string, class ratelimit.ActionClass) (bool, error)
}

// Options configure a Dispatcher. Store is optional.
type Options struct {
	Router    Router
	Limiter   Limiter
	Directory Directory
	Store     MessageStore
	Logger    watermill.LoggerAdapter
	Metrics   *metrics.Metrics
}

type handlerFunc func(ctx context.Context, principal string, body json.RawMessage) error

// Dispatcher routes application destinations to their action.
type Dispatcher struct {
	router  Router
	limiter Limiter
	dir     Directory
	store   MessageStore
	logger  watermill.LoggerAdapter
	metrics *metrics.Metrics
	now     func() time.Time

	handlers map[string]handlerFunc
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Router == nil || opts.Limiter == nil || opts.Directory == nil {
		return nil, errors.New("actions: router, limiter and directory are required")
	}
	d := &Dispatcher{
		router:  opts.Router,
		limiter: opts.Limiter,
		dir:     opts.Directory,
		store:   opts.Store,
		logger:  logging.OrNop(opts.Logger).With(watermill.LogFields{"component": "actions"}),
		metrics: opts.Metrics,
		now:     time.Now,
	}
	d.handlers = map[string]handlerFunc{
		protocol.ActionChatSend:  d.sendChatMessage,
		protocol.ActionChatType:  d.typing,
		protocol.ActionChatJoin:  d.joinChat,
		protocol.ActionGroupSend: d.sendGroupMessage,
		protocol.ActionStatus:    d.status,
		protocol.ActionFriend:    d.friendship,
	}
	return d, nil
}

// Dispatch runs the action addressed by destination on behalf of principal.
func (d *Dispatcher) Dispatch(ctx context.Context, principal, destination string, body json.RawMessage) error {
	h, ok := d.handlers[destination]
	if !ok {
		return fmt.Errorf("unknown destination %q: %w", destination, apperr.ErrBadRequest)
	}
	return h(ctx, principal, body)
}

// AuthorizeSubscribe checks that principal may subscribe to destination.
// Group topics require membership.
func (d *Dispatcher) AuthorizeSubscribe(ctx context.Context, principal, destination string) error {
	if !protocol.IsSubscribable(destination) {
		return fmt.Errorf("cannot subscribe to %q: %w", destination, apperr.ErrBadRequest)
	}
	groupID, ok := protocol.ParseGroupTopic(destination)
	if !ok {
		return nil
	}
	member, err := d.dir.IsGroupMember(ctx, groupID, principal)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if !member {
		return fmt.Errorf("%s is not a member of group %d: %w", principal, groupID, apperr.ErrAuthorization)
	}
	return nil
}

// PresenceChanged broadcasts that principal came online or went offline.
func (d *Dispatcher) PresenceChanged(ctx context.Context, principal string, online bool) error {
	return d.broadcastStatus(ctx, protocol.StatusMessage{Username: principal, Online: online})
}

func (d *Dispatcher) allow(ctx context.Context, principal string, class ratelimit.ActionClass) error {
	ok, err := d.limiter.Allow(ctx, principal, class)
	if err != nil {
		return err
	}
	if !ok {
		d.metrics.RateLimited()
		d.logger.Info("Rate limit exceeded", watermill.LogFields{"principal": principal, "action": class.String()})
		return fmt.Errorf("%s by %s: %w", class, principal, apperr.ErrRateLimited)
	}
	return nil
}

func (d *Dispatcher) sendChatMessage(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.ChatMessage
	if err := decode(body, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("empty message: %w", apperr.ErrBadRequest)
	}
	if err := d.allow(ctx, principal, ratelimit.ActionSend); err != nil {
		return err
	}

	participants, err := d.participantsOf(ctx, in.ChatID, principal)
	if err != nil {
		return err
	}
	// One-to-one chats are limited to friends.
	if len(participants) == 2 {
		other := participants[0]
		if other == principal {
			other = participants[1]
		}
		friends, err := d.dir.AreFriends(ctx, principal, other)
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		if !friends {
			return fmt.Errorf("%s and %s are not friends: %w", principal, other, apperr.ErrAuthorization)
		}
	}

	msg := protocol.ChatMessage{
		ChatID:         in.ChatID,
		SenderUsername: principal,
		Content:        in.Content,
		Type:           protocol.ChatKindChat,
		Timestamp:      d.now().UTC(),
	}
	if d.store != nil {
		if msg, err = d.store.SaveChatMessage(ctx, msg); err != nil {
			return fmt.Errorf("save chat message: %w", err)
		}
	}

	encoded, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return d.deliverToEach(ctx, participants, router.Message{
		Type:        bus.TypeChat,
		Destination: protocol.QueueMessages,
		Body:        encoded,
	})
}

func (d *Dispatcher) typing(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.TypingIndicator
	if err := decode(body, &in); err != nil {
		return err
	}
	if err := d.allow(ctx, principal, ratelimit.ActionTyping); err != nil {
		return err
	}
	participants, err := d.participantsOf(ctx, in.ChatID, principal)
	if err != nil {
		return err
	}

	encoded, err := codec.Marshal(protocol.TypingIndicator{
		Username:  principal,
		ChatID:    in.ChatID,
		Typing:    in.Typing,
		Timestamp: d.now().UTC(),
	})
	if err != nil {
		return err
	}
	return d.deliverToEach(ctx, others(participants, principal), router.Message{
		Type:        bus.TypeChat,
		Destination: protocol.QueueTyping,
		Body:        encoded,
	})
}

func (d *Dispatcher) joinChat(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.JoinChat
	if err := decode(body, &in); err != nil {
		return err
	}
	if err := d.allow(ctx, principal, ratelimit.ActionJoin); err != nil {
		return err
	}
	participants, err := d.participantsOf(ctx, in.ChatID, principal)
	if err != nil {
		return err
	}

	encoded, err := codec.Marshal(protocol.ChatStatus{Username: principal, Status: "joined", ChatID: in.ChatID})
	if err != nil {
		return err
	}
	return d.deliverToEach(ctx, others(participants, principal), router.Message{
		Type:        bus.TypeChat,
		Destination: protocol.QueueChatStatus,
		Body:        encoded,
	})
}

func (d *Dispatcher) sendGroupMessage(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.GroupMessage
	if err := decode(body, &in); err != nil {
		return err
	}
	if in.GroupID <= 0 || strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("group message needs a group and content: %w", apperr.ErrBadRequest)
	}
	if err := d.allow(ctx, principal, ratelimit.ActionSend); err != nil {
		return err
	}

	member, err := d.dir.IsGroupMember(ctx, in.GroupID, principal)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if !member {
		return fmt.Errorf("%s is not a member of group %d: %w", principal, in.GroupID, apperr.ErrAuthorization)
	}

	msg := protocol.GroupMessage{
		GroupID:        in.GroupID,
		SenderUsername: principal,
		Content:        in.Content,
		Timestamp:      d.now().UTC(),
	}
	if d.store != nil {
		if msg, err = d.store.SaveGroupMessage(ctx, msg); err != nil {
			return fmt.Errorf("save group message: %w", err)
		}
	}

	encoded, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return d.router.DeliverToGroup(ctx, in.GroupID, router.Message{
		Type:        bus.TypeGroup,
		Destination: protocol.GroupTopic(in.GroupID),
		Body:        encoded,
	})
}

func (d *Dispatcher) status(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.StatusMessage
	if err := decode(body, &in); err != nil {
		return err
	}
	if err := d.allow(ctx, principal, ratelimit.ActionStatus); err != nil {
		return err
	}
	return d.broadcastStatus(ctx, protocol.StatusMessage{UserID: in.UserID, Username: principal, Online: in.Online})
}

func (d *Dispatcher) broadcastStatus(ctx context.Context, msg protocol.StatusMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now().UTC()
	}
	encoded, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return d.router.Broadcast(ctx, router.Message{
		Type:        bus.TypeStatus,
		Destination: protocol.TopicStatus,
		Body:        encoded,
	})
}

// friendship relays a friendship change. The caller must be one of its
// parties. With a target it goes to the target's private queue, otherwise it
// is broadcast.
func (d *Dispatcher) friendship(ctx context.Context, principal string, body json.RawMessage) error {
	var in protocol.FriendshipMessage
	if err := decode(body, &in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Action) == "" {
		return fmt.Errorf("friendship message without action: %w", apperr.ErrBadRequest)
	}
	if err := d.allow(ctx, principal, ratelimit.ActionFriendship); err != nil {
		return err
	}

	if in.RequesterUsername == "" && in.ReceiverUsername != principal {
		in.RequesterUsername = principal
	}
	if in.RequesterUsername != principal && in.ReceiverUsername != principal {
		return fmt.Errorf("%s is not a party of the friendship: %w", principal, apperr.ErrAuthorization)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = d.now().UTC()
	}

	encoded, err := codec.Marshal(in)
	if err != nil {
		return err
	}
	if in.TargetUsername != "" {
		return d.router.DeliverToUser(ctx, in.TargetUsername, router.Message{
			Type:        bus.TypeFriendship,
			Destination: protocol.QueueFriendship,
			Body:        encoded,
		})
	}
	return d.router.Broadcast(ctx, router.Message{
		Type:        bus.TypeFriendship,
		Destination: protocol.TopicFriendship,
		Body:        encoded,
	})
}

// participantsOf returns the participants of chatID after checking that
// principal is one of them.
func (d *Dispatcher) participantsOf(ctx context.Context, chatID int64, principal string) ([]string, error) {
	if chatID <= 0 {
		return nil, fmt.Errorf("missing chat id: %w", apperr.ErrBadRequest)
	}
	participants, err := d.dir.ChatParticipants(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	for _, p := range participants {
		if p == principal {
			return participants, nil
		}
	}
	return nil, fmt.Errorf("%s is not a participant of chat %d: %w", principal, chatID, apperr.ErrAuthorization)
}

func (d *Dispatcher) deliverToEach(ctx context.Context, recipients []string, msg router.Message) error {
	var errs []error
	for _, r := range recipients {
		if err := d.router.DeliverToUser(ctx, r, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func others(participants []string, principal string) []string {
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != principal {
			out = append(out, p)
		}
	}
	return out
}

func decode(body json.RawMessage, out any) error {
	if len(body) == 0 {
		return fmt.Errorf("empty body: %w", apperr.ErrBadRequest)
	}
	if err := codec.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, apperr.ErrBadRequest)
	}
	return nil
}
