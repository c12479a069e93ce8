// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"strings"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoServers          = errors.New("no servers available")
	ErrInvalidInboxPrefix = errors.New("invalid inbox prefix")
	ErrInvalidLimit       = errors.New("invalid limit")

	// Connection errors.
	ErrAlreadyConnected       = errors.New("client already connected")
	ErrConnectFailed          = errors.New("connection failed")
	ErrConnectionClosed       = errors.New("connection closed")
	ErrConnectionDraining     = errors.New("connection draining")
	ErrConnectionReconnecting = errors.New("connection reconnecting")
	ErrConnectionLost         = errors.New("connection lost")
	ErrNotConnected           = errors.New("client not connected")
	ErrStaleConnection        = errors.New("stale connection")
	ErrTransport              = errors.New("transport error")
	ErrDrainTimeout           = errors.New("drain timed out")

	// Publish errors.
	ErrBackpressure        = errors.New("outbound buffer full")
	ErrMaxPayload          = errors.New("maximum payload exceeded")
	ErrHeadersNotSupported = errors.New("headers not supported by server")
	ErrBadSubject          = errors.New("invalid subject")
	ErrNoReply             = errors.New("message has no reply subject")

	// Subscription errors.
	ErrBadQueueName    = errors.New("invalid queue name")
	ErrBadSubscription = errors.New("invalid subscription")
	ErrSlowConsumer    = errors.New("slow consumer, messages dropped")
	ErrMaxMessages     = errors.New("maximum messages delivered")
	ErrSyncSubRequired = errors.New("operation requires a synchronous subscription")
	ErrNilHandler      = errors.New("message handler or channel required")

	// Request errors.
	ErrRequestTimeout   = errors.New("request timed out")
	ErrRequestCancelled = errors.New("request cancelled")
	ErrNoResponders     = errors.New("no responders available for request")

	// Broker errors.
	ErrBrokerError         = errors.New("broker error")
	ErrAuthorization       = errors.New("authorization violation")
	ErrPermissionViolation = errors.New("permissions violation")
)

// TransportError reports a failure of the underlying byte stream. It is
// distinct from protocol errors raised by the codec.
type TransportError struct {
	Op   string // dial, tls, read, write, handshake
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BrokerError is a -ERR reported by the server.
type BrokerError struct {
	Message string
}

func (e *BrokerError) Error() string {
	return "broker: " + e.Message
}

// Is matches ErrBrokerError and the category the message falls into.
func (e *BrokerError) Is(target error) bool {
	msg := strings.ToLower(e.Message)
	switch target {
	case ErrBrokerError:
		return true
	case ErrAuthorization:
		return strings.Contains(msg, "authorization violation") ||
			strings.Contains(msg, "authentication")
	case ErrPermissionViolation:
		return strings.HasPrefix(msg, "permissions violation")
	case ErrStaleConnection:
		return strings.Contains(msg, "stale connection")
	case ErrMaxPayload:
		return strings.Contains(msg, "maximum payload")
	default:
		return false
	}
}

// Fatal reports whether the server closes the connection after this error.
// Permission and subject validation errors leave the connection usable.
func (e *BrokerError) Fatal() bool {
	msg := strings.ToLower(e.Message)
	return !strings.HasPrefix(msg, "permissions violation") &&
		!strings.HasPrefix(msg, "invalid subject") &&
		!strings.HasPrefix(msg, "invalid queue")
}

// Subject extracts the subject named by a permissions violation, or "".
// Format: Permissions Violation for Subscription to "foo.bar"
func (e *BrokerError) Subject() string {
	i := strings.LastIndex(e.Message, " to ")
	if i < 0 {
		return ""
	}
	subj := strings.TrimSpace(e.Message[i+len(" to "):])
	if fields := strings.Fields(subj); len(fields) > 0 {
		subj = fields[0]
	}
	return strings.Trim(subj, `"'`)
}

// subscriptionScoped reports whether a permissions violation concerns a
// subscription rather than a publish.
func (e *BrokerError) subscriptionScoped() bool {
	return strings.Contains(strings.ToLower(e.Message), "for subscription")
}
