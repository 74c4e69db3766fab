// Package ratelimit enforces the per-principal send quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/ZeQ61/message/internal/logging"
)

// ActionClass groups client actions for quota purposes.
type ActionClass int

const (
	// ActionSend covers chat and group message sends. It is the only gated class.
	ActionSend ActionClass = iota
	ActionTyping
	ActionJoin
	ActionStatus
	ActionFriendship
	ActionSubscribe
)

func (c ActionClass) String() string {
	switch c {
	case ActionSend:
		return "send"
	case ActionTyping:
		return "typing"
	case ActionJoin:
		return "join"
	case ActionStatus:
		return "status"
	case ActionFriendship:
		return "friendship"
	case ActionSubscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("action(%d)", int(c))
	}
}

// Store counts hits per key within a fixed window. Increment creates the
// window on first hit and returns the count including this hit. The check and
// the increment are one atomic step.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter admits at most capacity sends per principal per window.
type Limiter struct {
	store    Store
	capacity int64
	window   time.Duration
	logger   watermill.LoggerAdapter
}

// NewLimiter builds a limiter over store.
func NewLimiter(store Store, capacity int, window time.Duration, logger watermill.LoggerAdapter) *Limiter {
	return &Limiter{
		store:    store,
		capacity: int64(capacity),
		window:   window,
		logger:   logging.OrNop(logger).With(watermill.LogFields{"component": "ratelimit"}),
	}
}

// Allow reports whether principal may perform an action of class now. Only
// ActionSend consumes quota. A store failure is returned with a false result.
func (l *Limiter) Allow(ctx context.Context, principal string, class ActionClass) (bool, error) {
	if class != ActionSend {
		return true, nil
	}
	count, err := l.store.Increment(ctx, key(principal), l.window)
	if err != nil {
		return false, fmt.Errorf("rate limit store: %w", err)
	}
	if count > l.capacity {
		l.logger.Debug("Send rejected", watermill.LogFields{"principal": principal, "count": count})
		return false, nil
	}
	return true, nil
}

func key(principal string) string {
	return "ratelimit:" + principal
}
