// Package wsmanager implements the resilience core's centerpiece: a
// self-healing WebSocket connection manager built around gorilla's
// websocket.Conn, generalizing saxo_openapi's WebSocketStream from a
// single-vendor stream client into a reusable resilience component.
package wsmanager

import "time"

// ConnectionState is the manager's externally observable lifecycle state.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Disconnected
	Reconnecting
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// DisconnectKind tags why a connection ended.
type DisconnectKind int

const (
	DisconnectNormal DisconnectKind = iota
	DisconnectError
	DisconnectKeepaliveTimeout
	DisconnectProactiveCycle
	DisconnectKilled
	DisconnectShutdown
)

func (k DisconnectKind) String() string {
	switch k {
	case DisconnectNormal:
		return "normal"
	case DisconnectError:
		return "error"
	case DisconnectKeepaliveTimeout:
		return "keepalive_timeout"
	case DisconnectProactiveCycle:
		return "proactive_cycle"
	case DisconnectKilled:
		return "killed"
	case DisconnectShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DisconnectReason carries the tagged reason plus, for DisconnectError,
// the underlying cause.
type DisconnectReason struct {
	Kind  DisconnectKind
	Cause error
}

// Subscription is one resource the caller wants realized on the stream.
// Payload is the raw message sent to (re)establish it; it is re-sent at
// most once per connection generation (spec.md §4.F "subscriptions
// survive reconnect").
type Subscription struct {
	ID      string
	Payload []byte
}

// ReconnectStrategy computes the delay before reconnect attempt number
// attempt (1-based).
type ReconnectStrategy interface {
	NextDelay(attempt int) time.Duration
}

// ImmediateStrategy reconnects with no delay.
type ImmediateStrategy struct{}

func (ImmediateStrategy) NextDelay(int) time.Duration { return 0 }

// FixedDelayStrategy waits the same delay before every attempt.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func (s FixedDelayStrategy) NextDelay(int) time.Duration { return s.Delay }

// ExponentialBackoffStrategy waits min(Max, Base*2^(attempt-1)).
type ExponentialBackoffStrategy struct {
	Base time.Duration
	Max  time.Duration
}

func (s ExponentialBackoffStrategy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.Max {
			return s.Max
		}
	}
	if delay > s.Max {
		return s.Max
	}
	return delay
}

// CallbackControlledStrategy defers the delay decision entirely to Fn,
// e.g. to honor a server-provided retry-after value.
type CallbackControlledStrategy struct {
	Fn func(attempt int) time.Duration
}

func (s CallbackControlledStrategy) NextDelay(attempt int) time.Duration { return s.Fn(attempt) }

// Stats is a snapshot of the manager's lifetime counters.
type Stats struct {
	ConnectAttempts    int64
	ReconnectAttempts  int64
	SuccessfulConnects int64
	MessagesReceived   int64
	MessagesSent       int64
	MessagesDropped    int64
	KeepaliveTimeouts  int64
	Generation         int64
}
