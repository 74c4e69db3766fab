// Package router delivers messages to their recipients on this instance and
// relays them to every other instance over the bus.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZeQ61/message/internal/apperr"
	"github.com/ZeQ61/message/internal/bus"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/logging"
	"github.com/ZeQ61/message/internal/metrics"
	"github.com/ZeQ61/message/internal/protocol"
	"github.com/ZeQ61/message/internal/session"
)

const tracerName = "github.com/ZeQ61/message/internal/router"

// Target says how a delivery selects its local recipients.
type Target string

const (
	// TargetUser reaches every session of one principal.
	TargetUser Target = "USER"
	// TargetGroup reaches every session subscribed to a group topic.
	TargetGroup Target = "GROUP"
	// TargetBroadcast reaches every session subscribed to a topic.
	TargetBroadcast Target = "BROADCAST"
)

// Message is what business actions hand to the router.
type Message struct {
	Type        bus.MessageType
	Destination string
	Body        json.RawMessage
}

// Delivery is a routed message as carried in an envelope payload.
type Delivery struct {
	Target      Target          `json:"target"`
	Type        bus.MessageType `json:"type"`
	Principal   string          `json:"principal,omitempty"`
	GroupID     int64           `json:"groupId,omitempty"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

func (d Delivery) validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("delivery type %q: %w", string(d.Type), apperr.ErrBadRequest)
	}
	if d.Destination == "" {
		return fmt.Errorf("delivery without destination: %w", apperr.ErrBadRequest)
	}
	switch d.Target {
	case TargetUser:
		if d.Principal == "" {
			return fmt.Errorf("user delivery without principal: %w", apperr.ErrBadRequest)
		}
	case TargetGroup:
		if d.GroupID <= 0 {
			return fmt.Errorf("group delivery without group id: %w", apperr.ErrBadRequest)
		}
	case TargetBroadcast:
	default:
		return fmt.Errorf("delivery target %q: %w", string(d.Target), apperr.ErrBadRequest)
	}
	return nil
}

// Publisher relays envelopes to the other instances.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
	InstanceID() string
}

// Router dispatches messages.
type Router struct {
	registry  *session.Registry
	publisher Publisher
	logger    watermill.LoggerAdapter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// New builds a router. publisher may be nil for a single-instance deployment.
func New(registry *session.Registry, publisher Publisher, logger watermill.LoggerAdapter, m *metrics.Metrics) *Router {
	return &Router{
		registry:  registry,
		publisher: publisher,
		logger:    logging.OrNop(logger).With(watermill.LogFields{"component": "router"}),
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
	}
}

// DeliverToUser sends msg to every session of principal, wherever it is connected.
func (r *Router) DeliverToUser(ctx context.Context, principal string, msg Message) error {
	return r.dispatch(ctx, "router.DeliverToUser", Delivery{
		Target:      TargetUser,
		Type:        msg.Type,
		Principal:   principal,
		Destination: msg.Destination,
		Body:        msg.Body,
	})
}

// DeliverToGroup sends msg to every session subscribed to the group topic.
// Membership is checked by the caller. An empty destination defaults to the
// group topic.
func (r *Router) DeliverToGroup(ctx context.Context, groupID int64, msg Message) error {
	dest := msg.Destination
	if dest == "" {
		dest = protocol.GroupTopic(groupID)
	}
	return r.dispatch(ctx, "router.DeliverToGroup", Delivery{
		Target:      TargetGroup,
		Type:        msg.Type,
		GroupID:     groupID,
		Destination: dest,
		Body:        msg.Body,
	})
}

// Broadcast sends msg to every session subscribed to its destination.
func (r *Router) Broadcast(ctx context.Context, msg Message) error {
	return r.dispatch(ctx, "router.Broadcast", Delivery{
		Target:      TargetBroadcast,
		Type:        msg.Type,
		Destination: msg.Destination,
		Body:        msg.Body,
	})
}

func (r *Router) dispatch(ctx context.Context, op string, d Delivery) error {
	ctx, span := r.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(deliveryAttributes(d)...),
	)
	defer span.End()

	if err := d.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	delivered := r.deliverLocal(ctx, d)
	span.SetAttributes(attribute.Int("chat.local_recipients", delivered))

	if r.publisher == nil {
		return nil
	}
	payload, err := codec.Marshal(d)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode delivery: %w", err)
	}
	env := bus.NewEnvelope(r.publisher.InstanceID(), d.Type, string(payload))
	span.SetAttributes(attribute.String("chat.message_id", env.MessageID))
	// Bus failures stay on the fan-out path. The adapter already logged them.
	if err := r.publisher.Publish(ctx, env); err != nil {
		span.RecordError(err)
	}
	return nil
}

// HandleEnvelope decodes an envelope received from another instance and
// delivers it locally. It never publishes.
func (r *Router) HandleEnvelope(ctx context.Context, env bus.Envelope) error {
	var d Delivery
	if err := codec.Unmarshal([]byte(env.Payload), &d); err != nil {
		return fmt.Errorf("decode delivery %s: %v: %w", env.MessageID, err, apperr.ErrBadRequest)
	}
	if d.Type != env.MessageType {
		return fmt.Errorf("delivery type %q in %s envelope: %w", d.Type, env.MessageType, apperr.ErrBadRequest)
	}

	ctx, span := r.tracer.Start(ctx, "router.HandleEnvelope",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(deliveryAttributes(d)...),
		trace.WithAttributes(
			attribute.String("chat.message_id", env.MessageID),
			attribute.String("chat.source_instance", env.SourceInstanceID),
		),
	)
	defer span.End()
	return r.DeliverLocal(ctx, d)
}

// DeliverLocal hands d to the matching sessions of this instance only.
func (r *Router) DeliverLocal(ctx context.Context, d Delivery) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.deliverLocal(ctx, d)
	return nil
}

// deliverLocal enqueues d on each recipient session and returns how many
// accepted it. A session that cannot accept is skipped.
func (r *Router) deliverLocal(_ context.Context, d Delivery) int {
	recipients := r.recipients(d)
	if len(recipients) == 0 {
		return 0
	}

	frame, err := protocol.NewMessageFrame(d.Destination, d.Body).Encode()
	if err != nil {
		r.logger.Error("Cannot encode message frame", err, watermill.LogFields{"destination": d.Destination})
		return 0
	}

	delivered := 0
	for _, conn := range recipients {
		if err := conn.Send(frame); err != nil {
			r.logger.Error("Local delivery failed", fmt.Errorf("%w: %v", apperr.ErrDelivery, err), watermill.LogFields{
				"session":     conn.ID(),
				"principal":   conn.Principal(),
				"destination": d.Destination,
			})
			r.metrics.Delivery(string(d.Type), metrics.ResultDropped)
			continue
		}
		delivered++
		r.metrics.Delivery(string(d.Type), metrics.ResultDelivered)
	}
	return delivered
}

func (r *Router) recipients(d Delivery) []session.Conn {
	if d.Target == TargetUser {
		return r.registry.ConnectionsFor(d.Principal)
	}
	all := r.registry.All()
	subscribed := all[:0]
	for _, c := range all {
		if c.Subscribed(d.Destination) {
			subscribed = append(subscribed, c)
		}
	}
	return subscribed
}

func deliveryAttributes(d Delivery) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("chat.target", string(d.Target)),
		attribute.String("chat.message_type", string(d.Type)),
		attribute.String("chat.destination", d.Destination),
	}
	if d.Principal != "" {
		attrs = append(attrs, attribute.String("chat.principal", d.Principal))
	}
	if d.GroupID != 0 {
		attrs = append(attrs, attribute.Int64("chat.group_id", d.GroupID))
	}
	return attrs
}
