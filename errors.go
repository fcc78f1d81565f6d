package centrifuge

import (
	"errors"
	"fmt"

	"github.com/centrifugal/protocol"
)

var (
	// ErrTimeout returned if operation timed out.
	ErrTimeout = errors.New("timeout")
	// ErrClientDisconnected can be returned if client goes to
	// disconnected state while operation in progress.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrClientClosed can be returned if client closed.
	ErrClientClosed = errors.New("client closed")
	// ErrSubscriptionUnsubscribed returned if Subscription is unsubscribed.
	ErrSubscriptionUnsubscribed = errors.New("subscription unsubscribed")
	// ErrDuplicateSubscription returned if Subscription to the same channel
	// already registered in current client instance. This is due to the fact
	// that server does not allow subscribing to the same channel twice for
	// the same connection.
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	// ErrSendFull returned when the command queue is beyond its high-water
	// mark so the command was not accepted for writing.
	ErrSendFull = errors.New("command queue full")
	// ErrUnauthorized is a special error which may be returned by application
	// from GetToken function to indicate lack of operation permission.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error represents protocol-level error sent by server in replies to
// commands issued by a client.
type Error struct {
	Code      uint32
	Message   string
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func errorFromProto(err *protocol.Error) *Error {
	return &Error{Code: err.Code, Message: err.Message, Temporary: err.Temporary}
}

// TransportError is returned when the underlying connection breaks in the
// middle of an established session.
type TransportError struct {
	Err error
}

func (t TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", t.Err)
}

func (t TransportError) Unwrap() error {
	return t.Err
}

// ConnectError is returned to callers when a connection attempt failed
// on dial or handshake.
type ConnectError struct {
	Err error
}

func (c ConnectError) Error() string {
	return fmt.Sprintf("connect error: %v", c.Err)
}

func (c ConnectError) Unwrap() error {
	return c.Err
}

// SubscriptionError wraps an error happened in the scope of a channel
// subscription.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (s SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s error: %v", s.Channel, s.Err)
}

func (s SubscriptionError) Unwrap() error {
	return s.Err
}

// RefreshError happened during refreshing client connection token.
type RefreshError struct {
	Err error
}

func (r RefreshError) Error() string {
	return fmt.Sprintf("refresh error: %v", r.Err)
}

func (r RefreshError) Unwrap() error {
	return r.Err
}

// SubscriptionRefreshError happened during refreshing subscription token.
type SubscriptionRefreshError struct {
	Err error
}

func (s SubscriptionRefreshError) Error() string {
	return fmt.Sprintf("subscription refresh error: %v", s.Err)
}

func (s SubscriptionRefreshError) Unwrap() error {
	return s.Err
}
