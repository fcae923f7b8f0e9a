package resilience

import (
	"fmt"
	"time"
)

// ConfigurationError mirrors trade_exceptions' ConfigurationError: a
// constructor-time rejection with the offending field named.
type ConfigurationError struct {
	Message string
	Field   string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ConfigurationError: %s (field: %s)", e.Message, e.Field)
	}
	return fmt.Sprintf("ConfigurationError: %s", e.Message)
}

// NewConfigurationError builds a ConfigurationError for the given field.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Message: message, Field: field}
}

// ConnectionFailedError wraps the transport-level cause of a failed dial.
type ConnectionFailedError struct {
	URL   string
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("ConnectionFailedError: dial %s failed: %v", e.URL, e.Cause)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Cause }

// PeerClosedError mirrors an orderly close initiated by the remote peer.
type PeerClosedError struct {
	Code   int
	Reason string
}

func (e *PeerClosedError) Error() string {
	return fmt.Sprintf("PeerClosedError: peer closed (code=%d, reason=%q)", e.Code, e.Reason)
}

// KeepaliveTimeoutError fires when no traffic arrives within ping_timeout.
type KeepaliveTimeoutError struct {
	Elapsed time.Duration
}

func (e *KeepaliveTimeoutError) Error() string {
	return fmt.Sprintf("KeepaliveTimeoutError: no traffic for %v", e.Elapsed)
}

// ProtocolError mirrors a malformed frame or unexpected server reply.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ProtocolError: %s", e.Detail)
}

// ReconnectExhaustedError fires once max_reconnect_attempts is crossed.
type ReconnectExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ReconnectExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("ReconnectExhaustedError: gave up after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("ReconnectExhaustedError: gave up after %d attempts", e.Attempts)
}

func (e *ReconnectExhaustedError) Unwrap() error { return e.LastErr }

// CircuitOpenError mirrors the circuit breaker short-circuiting a call.
type CircuitOpenError struct {
	RemainingUntilProbe time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("CircuitOpenError: circuit open, probe available in %v", e.RemainingUntilProbe)
}

// HeartbeatWriteFailedError wraps an unwritable liveness file.
type HeartbeatWriteFailedError struct {
	Path  string
	Cause error
}

func (e *HeartbeatWriteFailedError) Error() string {
	return fmt.Sprintf("HeartbeatWriteFailedError: could not write %s: %v", e.Path, e.Cause)
}

func (e *HeartbeatWriteFailedError) Unwrap() error { return e.Cause }

// WatchdogTimeoutError fires when inactivity exceeds timeout.
type WatchdogTimeoutError struct {
	Name    string
	Elapsed time.Duration
}

func (e *WatchdogTimeoutError) Error() string {
	return fmt.Sprintf("WatchdogTimeoutError: %s idle for %v", e.Name, e.Elapsed)
}

// ShutdownRefusedError fires when registration is attempted mid-shutdown.
type ShutdownRefusedError struct {
	Name string
}

func (e *ShutdownRefusedError) Error() string {
	return fmt.Sprintf("ShutdownRefusedError: cannot register %q, shutdown already triggered", e.Name)
}

// InvalidModuloError fires when TimeTrigger's modulo string fails to
// parse or falls outside [60s, 7d].
type InvalidModuloError struct {
	Raw    string
	Reason string
}

func (e *InvalidModuloError) Error() string {
	return fmt.Sprintf("InvalidModuloError: %q: %s", e.Raw, e.Reason)
}
