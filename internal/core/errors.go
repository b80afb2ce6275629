package core

import (
	"errors"
	"fmt"
)

// Error codes reported to clients in rejection envelopes.
const (
	ErrCodeMissingInstallID   = "missing_install_id"
	ErrCodeNotRegistered      = "not_registered"
	ErrCodeTrialExpired       = "trial_expired"
	ErrCodeLicenseUnavailable = "license_unavailable"
)

var (
	// ErrPeerUnreachable is wrapped by every DeliveryError, next to its cause.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrHeartbeatTimeout ends a session whose peer stopped answering probes.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrClosedByPeer is wrapped by transports when the peer closed cleanly.
	ErrClosedByPeer = errors.New("closed by peer")
	// ErrMessageTooBig is wrapped by transports that enforce their own read limit.
	ErrMessageTooBig = errors.New("message too big")
)

// DeliveryError reports a failed send to one peer.
type DeliveryError struct {
	ConnID string
	Cause  error
}

func (e *DeliveryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("deliver to %s: %v", e.ConnID, ErrPeerUnreachable)
	}
	return fmt.Sprintf("deliver to %s: %v: %v", e.ConnID, ErrPeerUnreachable, e.Cause)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPeerUnreachable}
	}
	return []error{ErrPeerUnreachable, e.Cause}
}

func deliveryError(connID string, cause error) *DeliveryError {
	return &DeliveryError{ConnID: connID, Cause: cause}
}

// CloseCode is a transport close status. Values follow RFC 6455.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
	ClosePolicy        CloseCode = 1008
	CloseMessageTooBig CloseCode = 1009
	CloseInternal      CloseCode = 1011
	CloseTryAgainLater CloseCode = 1013
)

// CloseReason labels why a session ended. Used for logs and metrics.
type CloseReason string

const (
	ReasonClientClosed     CloseReason = "client_closed"
	ReasonReadError        CloseReason = "read_error"
	ReasonMessageTooBig    CloseReason = "message_too_big"
	ReasonRateLimited      CloseReason = "rate_limited"
	ReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	ReasonWriteFailed      CloseReason = "write_failed"
	ReasonEvicted          CloseReason = "evicted"
	ReasonShutdown         CloseReason = "shutdown"
)
