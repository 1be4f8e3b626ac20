package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the wire-level error classification. The set is exhaustive at the
// RPC boundary: every error leaving the router carries exactly one of these.
type Kind string

const (
	KindNotConfigured         Kind = "NotConfigured"
	KindNotFound              Kind = "NotFound"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindOAuthReauthRequired   Kind = "OAuthReauthRequired"
	KindIncompleteCredentials Kind = "IncompleteCredentials"
	KindTransport             Kind = "Transport"
	KindTimeout               Kind = "Timeout"
	KindConflict              Kind = "Conflict"
	KindBadRequest            Kind = "BadRequest"
	KindInternal              Kind = "Internal"
)

// Error is the uniform error envelope. Lower layers construct it with the
// kind they can vouch for; the router translates everything else to Internal.
type Error struct {
	Kind    Kind        `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`

	// TraceID is set for Internal errors so operators can correlate the
	// wire envelope with the logged cause.
	TraceID string `json:"trace_id,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IncompleteCredentials reports a credential document with missing fields.
// The missing field names ride in Details so the frontend can show them.
func IncompleteCredentials(missing []string) *Error {
	return &Error{
		Kind:    KindIncompleteCredentials,
		Message: fmt.Sprintf("credentials document is missing %d field(s)", len(missing)),
		Details: missing,
	}
}

// AsError extracts an *Error from err if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify normalizes an arbitrary error into the taxonomy. Errors that are
// already *Error pass through unchanged; context and net errors map to
// Timeout/Transport; everything else becomes Internal (without a trace id —
// the router assigns one when it emits the envelope).
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "operation exceeded its time budget"}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: "operation was cancelled"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: netErr.Error()}
		}
		return &Error{Kind: KindTransport, Message: netErr.Error()}
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// Retryable reports whether the frontend may retry the call with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransport
}
