// Package apperr defines the failure taxonomy of the real-time delivery path
// and maps failures onto the codes carried by ERROR frames.
package apperr

import "errors"

var (
	// ErrAuthentication reports a missing, invalid or expired credential at handshake.
	ErrAuthentication = errors.New("chat: authentication failed")
	// ErrAuthorization reports a principal that is not entitled to the target.
	ErrAuthorization = errors.New("chat: not authorized")
	// ErrRateLimited reports a send rejected by the per-principal quota.
	ErrRateLimited = errors.New("chat: rate limit exceeded")
	// ErrDelivery reports that one local session could not receive a message.
	ErrDelivery = errors.New("chat: local delivery failed")
	// ErrBusUnavailable reports a publish or subscribe failure on the cross-instance bus.
	ErrBusUnavailable = errors.New("chat: bus unavailable")
	// ErrBadRequest reports a malformed frame or payload.
	ErrBadRequest = errors.New("chat: bad request")
	// ErrNotFound reports an unknown chat or group.
	ErrNotFound = errors.New("chat: not found")
)

// Client-visible codes carried in ERROR frames.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

// Code classifies err into the code reported to the client.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthorized
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// ReportToOrigin reports whether err must be surfaced to the client that
// originated the action. Delivery and bus failures stay in the fan-out path.
func ReportToOrigin(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrDelivery) && !errors.Is(err, ErrBusUnavailable)
}
