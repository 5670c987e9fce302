package engine

import (
	"errors"
	"fmt"
)

// Error is a failure the engine reports to a callback or caller.
//
// Engine errors cover:
//   - Disconnected: the connection dropped with the request outstanding
//   - Send failed: the frame could not be written
//   - Negotiation failed: no protocol version both sides support
//   - Engine stopped: Run returned before the request finished
//   - Subscription stopped: the server ended a subscription without an error
//
// Server-reported failures are *wire.Error, never *Error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RequestID identifies the affected method call or subscription.
	RequestID string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeDisconnected indicates the connection dropped before a response.
	ErrCodeDisconnected ErrorCode = "DISCONNECTED"

	// ErrCodeSendFailed indicates the transport was not open for writing.
	ErrCodeSendFailed ErrorCode = "SEND_FAILED"

	// ErrCodeNegotiationFailed indicates the handshake found no common version.
	ErrCodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"

	// ErrCodeEngineStopped indicates the event loop is no longer running.
	ErrCodeEngineStopped ErrorCode = "ENGINE_STOPPED"

	// ErrCodeSubscriptionStopped indicates a nosub that carried no error.
	ErrCodeSubscriptionStopped ErrorCode = "SUBSCRIPTION_STOPPED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request=%s)", msg, e.RequestID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsDisconnected reports whether err is a dropped-connection failure.
// Uses errors.As to handle wrapped errors.
func IsDisconnected(err error) bool {
	return hasCode(err, ErrCodeDisconnected)
}

// IsSendFailed reports whether err is a send failure.
func IsSendFailed(err error) bool {
	return hasCode(err, ErrCodeSendFailed)
}

// IsNegotiationFailed reports whether err is a handshake failure.
func IsNegotiationFailed(err error) bool {
	return hasCode(err, ErrCodeNegotiationFailed)
}

// IsEngineStopped reports whether err came from a stopped engine.
func IsEngineStopped(err error) bool {
	return hasCode(err, ErrCodeEngineStopped)
}

func newDisconnectedError(requestID string, cause error) *Error {
	return &Error{
		Code:      ErrCodeDisconnected,
		Message:   "disconnected from DDP server",
		RequestID: requestID,
		Err:       cause,
	}
}

func newSendFailedError(requestID string, cause error) *Error {
	return &Error{
		Code:      ErrCodeSendFailed,
		Message:   "connection to the server failed",
		RequestID: requestID,
		Err:       cause,
	}
}

func newNegotiationError(offered string) *Error {
	return &Error{
		Code:    ErrCodeNegotiationFailed,
		Message: fmt.Sprintf("server offered unsupported protocol version %q", offered),
	}
}

func newStoppedError(requestID string) *Error {
	return &Error{
		Code:      ErrCodeEngineStopped,
		Message:   "engine is not running",
		RequestID: requestID,
	}
}

func newSubscriptionStoppedError(requestID string) *Error {
	return &Error{
		Code:      ErrCodeSubscriptionStopped,
		Message:   "subscription stopped by server",
		RequestID: requestID,
	}
}
